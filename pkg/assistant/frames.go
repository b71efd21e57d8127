package assistant

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

type FrameType string

const (
	FrameContent FrameType = "content"
	FrameDone    FrameType = "done"
	FrameError   FrameType = "error"
)

var errUnknownFrameType = errors.New("unknown frame type")

func parseFrameType(s string) (FrameType, error) {
	switch t := FrameType(strings.ToLower(strings.TrimSpace(s))); t {
	case FrameContent, FrameDone, FrameError:
		return t, nil
	default:
		return "", errors.Wrapf(errUnknownFrameType, "%q", s)
	}
}

// Frame is one event of the assistant's token-delta stream.
type Frame struct {
	Type    FrameType
	Content string
	// Error carries the server's reason on FrameError.
	Error string
}

type wireFrame struct {
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Error   json.RawMessage `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// FrameReader decodes a streamed response made of SSE "data:" lines or bare
// NDJSON lines. Malformed and unknown frames are reported to OnDrop and skipped.
type FrameReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	// OnDrop is called with the raw line of every frame that was skipped.
	OnDrop func(line string, err error)
}

const maxFrameSize = 1 << 20

func NewFrameReader(body io.ReadCloser) *FrameReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &FrameReader{body: body, scanner: sc}
}

// Next returns the next well-formed frame, io.EOF when the stream ends
// cleanly, or the transport error that interrupted it.
func (r *FrameReader) Next() (Frame, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		payload, ok := ssePayload(line)
		if !ok {
			continue
		}
		if string(payload) == "[DONE]" {
			return Frame{Type: FrameDone}, nil
		}
		f, err := decodeFrame(payload)
		if err != nil {
			r.drop(string(line), err)
			continue
		}
		return f, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

func (r *FrameReader) Close() error {
	return r.body.Close()
}

func (r *FrameReader) drop(line string, err error) {
	if r.OnDrop != nil {
		r.OnDrop(line, err)
	}
}

// ssePayload strips SSE framing. Blank lines, comments and non-data fields
// yield ok=false; a line without a field prefix is taken as NDJSON.
func ssePayload(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		rest = bytes.TrimSpace(rest)
		return rest, len(rest) > 0
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return nil, false
		}
	}
	return line, true
}

func decodeFrame(payload []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(payload, &w); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	t, err := parseFrameType(w.Type)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Type: t, Content: w.Content}
	if t == FrameError {
		f.Error = w.Message
		if len(w.Error) > 0 {
			var s string
			if json.Unmarshal(w.Error, &s) == nil {
				f.Error = s
			} else {
				var obj struct {
					Message string `json:"message"`
				}
				if json.Unmarshal(w.Error, &obj) == nil && obj.Message != "" {
					f.Error = obj.Message
				}
			}
		}
	}
	return f, nil
}
