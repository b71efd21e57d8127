package operator

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrUnknownFrameType = errors.New("operator: unknown frame type")
	ErrUnknownSender    = errors.New("operator: unknown sender role")
)

type FrameType string

const (
	FrameMessage        FrameType = "message"
	FrameOperatorJoined FrameType = "operator_joined"
	FrameSessionEnded   FrameType = "session_ended"
)

func ParseFrameType(s string) (FrameType, error) {
	switch t := FrameType(strings.ToLower(strings.TrimSpace(s))); t {
	case FrameMessage, FrameOperatorJoined, FrameSessionEnded:
		return t, nil
	default:
		return "", errors.Wrapf(ErrUnknownFrameType, "%q", s)
	}
}

func (t *FrameType) UnmarshalText(b []byte) error {
	v, err := ParseFrameType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// SenderRole identifies who wrote a message frame.
type SenderRole string

const (
	SenderOperator SenderRole = "operator"
	SenderSystem   SenderRole = "system"
	SenderUser     SenderRole = "user"
)

func ParseSenderRole(s string) (SenderRole, error) {
	switch r := SenderRole(strings.ToLower(strings.TrimSpace(s))); r {
	case SenderOperator, SenderSystem, SenderUser:
		return r, nil
	default:
		return "", errors.Wrapf(ErrUnknownSender, "%q", s)
	}
}

func (r *SenderRole) UnmarshalText(b []byte) error {
	v, err := ParseSenderRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

type Sender struct {
	Role SenderRole `json:"role"`
	Name string     `json:"name,omitempty"`
}

// Timestamp accepts RFC 3339 strings and unix milliseconds on input and
// always writes RFC 3339.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return errors.Wrap(err, "timestamp")
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return errors.Wrap(err, "timestamp")
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

// Frame is the JSON envelope exchanged on the operator channel.
type Frame struct {
	Type      FrameType `json:"type"`
	From      *Sender   `json:"from,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
	// OperatorName may name the operator on operator_joined.
	OperatorName string `json:"operatorName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DecodeFrame parses and validates one inbound frame. Unknown frame types and
// unknown sender roles are rejected; a message frame must name its sender.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode operator frame")
	}
	if f.Type == "" {
		return Frame{}, errors.Wrap(ErrUnknownFrameType, "missing type")
	}
	if f.Type == FrameMessage && (f.From == nil || f.From.Role == "") {
		return Frame{}, errors.Wrap(ErrUnknownSender, "message frame without sender")
	}
	return f, nil
}

// NewUserMessage builds the outbound frame of a message typed by the end user.
func NewUserMessage(name, content string, at time.Time) Frame {
	return Frame{
		Type:      FrameMessage,
		From:      &Sender{Role: SenderUser, Name: name},
		Content:   content,
		Timestamp: Timestamp{Time: at},
	}
}
