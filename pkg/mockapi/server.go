// Package mockapi is a scriptable stand-in for the support backend: the
// assistant conversation and streaming endpoints, the handoff and feedback
// endpoints and the operator websocket. It backs the session tests and the
// handoff-mock binary.
package mockapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/operator"
)

var ErrNoOperatorConnection = errors.New("mockapi: no operator connection")

// ReplyFunc produces the content chunks streamed for a user message.
type ReplyFunc func(message string) []string

// EchoReply streams the message back word by word.
func EchoReply(message string) []string {
	words := strings.Fields("Você disse: " + message)
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

type FeedbackRecord struct {
	MessageID string `json:"messageId"`
	Sentiment string `json:"sentiment"`
}

// HandoffRecord is the decoded body of a handoff request.
type HandoffRecord struct {
	PriorConversationID string `json:"priorConversationId"`
	Reason              string `json:"reason"`
	Channel             string `json:"channel"`
	MessageHistory      []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messageHistory"`
}

type Server struct {
	router *mux.Router
	log    zerolog.Logger

	mu                 sync.Mutex
	conversationID     string
	conversationStatus int
	conversationCalls  int
	reply              ReplyFunc
	replyStatus        int
	replyDelay         time.Duration
	truncate           bool
	streams            int
	handoff            escalation.Result
	handoffStatus      int
	handoffGate        chan struct{}
	handoffs           []HandoffRecord
	feedback           []FeedbackRecord
	autoJoin           string
	operatorConns      int
	queries            []map[string]string
	conn               *opConn

	received chan operator.Frame
	upgrader websocket.Upgrader
}

type opConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *opConn) write(f operator.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(f)
}

func New() *Server {
	s := &Server{
		log:            log.With().Str("component", "mockapi").Logger(),
		conversationID: "conv-" + uuid.NewString()[:8],
		reply:          EchoReply,
		handoff:        escalation.Result{ConversationID: "op-" + uuid.NewString()[:8]},
		received:       make(chan operator.Frame, 64),
		upgrader:       websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	r := mux.NewRouter()
	r.HandleFunc("/assistant/conversation", s.handleConversation).Methods(http.MethodGet)
	r.HandleFunc("/assistant/conversations/{id}/messages", s.handleMessages).Methods(http.MethodPost)
	r.HandleFunc("/assistant/feedback", s.handleFeedback).Methods(http.MethodPost)
	r.HandleFunc("/handoff", s.handleHandoff).Methods(http.MethodPost)
	r.HandleFunc("/operator/ws", s.handleOperator)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Use(s.loggingMiddleware)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})
}

// Scripting. Zero statuses mean success.

func (s *Server) SetConversation(id string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID, s.conversationStatus = id, status
}

func (s *Server) SetReply(fn ReplyFunc, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = EchoReply
	}
	s.reply, s.replyStatus = fn, status
}

// SetReplyDelay spaces out streamed chunks.
func (s *Server) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyDelay = d
}

// SetTruncate makes streams end without a done frame.
func (s *Server) SetTruncate(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate = v
}

func (s *Server) SetHandoff(res escalation.Result, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoff, s.handoffStatus = res, status
}

// SetHandoffGate holds handoff responses until gate is closed. nil releases.
func (s *Server) SetHandoffGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffGate = gate
}

// SetAutoJoin makes the operator join with name as soon as the user connects.
func (s *Server) SetAutoJoin(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoJoin = name
}

func (s *Server) ConversationCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationCalls
}

func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

func (s *Server) Handoffs() []HandoffRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HandoffRecord(nil), s.handoffs...)
}

func (s *Server) Feedback() []FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FeedbackRecord(nil), s.feedback...)
}

func (s *Server) OperatorConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorConns
}

// OperatorQueries returns the query parameters of every operator connection.
func (s *Server) OperatorQueries() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.queries...)
}

func (s *Server) OperatorConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Received yields the frames the user side sent over the operator channel.
func (s *Server) Received() <-chan operator.Frame { return s.received }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": http.StatusText(status)},
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.conversationCalls++
	id, status := s.conversationID, s.conversationStatus
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		s.writeError(w, status, "conversation_unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"conversationId": id})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Stream  bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	s.mu.Lock()
	s.streams++
	reply, status, delay, truncate := s.reply, s.replyStatus, s.replyDelay, s.truncate
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		s.writeError(w, status, "assistant_unavailable")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	emit := func(v any) bool {
		b, _ := json.Marshal(v)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for _, chunk := range reply(req.Message) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if !emit(map[string]string{"type": "content", "content": chunk}) {
			return
		}
	}
	if truncate {
		return
	}
	emit(map[string]string{"type": "done"})
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var rec HandoffRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	s.mu.Lock()
	s.handoffs = append(s.handoffs, rec)
	res, status, gate := s.handoff, s.handoffStatus, s.handoffGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 && status != http.StatusOK {
		s.writeError(w, status, "handoff_unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var rec FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	s.mu.Lock()
	s.feedback = append(s.feedback, rec)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperator(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("operator upgrade failed")
		return
	}
	c := &opConn{ws: ws}

	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	s.mu.Lock()
	s.operatorConns++
	s.queries = append(s.queries, q)
	prev := s.conn
	s.conn = c
	autoJoin := s.autoJoin
	s.mu.Unlock()
	if prev != nil {
		_ = prev.ws.Close()
	}
	s.log.Info().Str("conversation_id", q["conversationId"]).Msg("operator channel connected")

	if autoJoin != "" {
		_ = c.write(operator.Frame{Type: operator.FrameOperatorJoined, OperatorName: autoJoin, Timestamp: operator.Timestamp{Time: time.Now()}})
	}

	defer func() {
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := operator.DecodeFrame(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed user frame")
			continue
		}
		select {
		case s.received <- f:
		default:
		}
		if autoJoin != "" && f.Type == operator.FrameMessage {
			_ = c.write(operator.Frame{
				Type:      operator.FrameMessage,
				From:      &operator.Sender{Role: operator.SenderOperator, Name: autoJoin},
				Content:   "Recebido: " + f.Content,
				Timestamp: operator.Timestamp{Time: time.Now()},
			})
		}
	}
}

func (s *Server) current() (*opConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNoOperatorConnection
	}
	return s.conn, nil
}

func (s *Server) send(f operator.Frame) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = operator.Timestamp{Time: time.Now()}
	}
	return errors.Wrap(c.write(f), "write operator frame")
}

func (s *Server) OperatorJoin(name string) error {
	return s.send(operator.Frame{Type: operator.FrameOperatorJoined, OperatorName: name})
}

func (s *Server) OperatorSay(name, content string) error {
	return s.send(operator.Frame{
		Type:    operator.FrameMessage,
		From:    &operator.Sender{Role: operator.SenderOperator, Name: name},
		Content: content,
	})
}

// SystemSay sends a message authored by the platform.
func (s *Server) SystemSay(content string) error {
	return s.send(operator.Frame{
		Type:    operator.FrameMessage,
		From:    &operator.Sender{Role: operator.SenderSystem},
		Content: content,
	})
}

func (s *Server) EndSession(reason string) error {
	return s.send(operator.Frame{Type: operator.FrameSessionEnded, Reason: reason})
}

// DropOperator severs the operator connection without a close handshake.
func (s *Server) DropOperator() error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.ws.UnderlyingConn().Close()
}
