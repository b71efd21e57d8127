// Package timeline holds the ordered, append-only message timeline of a chat session
// and fans out change notifications to subscribers.
package timeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidMessage   = errors.New("timeline: invalid message")
	ErrDuplicateMessage = errors.New("timeline: duplicate message id")
	ErrUnknownMessage   = errors.New("timeline: unknown message id")
	// ErrFinalized is returned when content of a finalized message is replaced.
	// The store is left untouched.
	ErrFinalized = errors.New("timeline: message is finalized")
)

type UpdateKind string

const (
	UpdateAppended  UpdateKind = "appended"
	UpdateReplaced  UpdateKind = "replaced"
	UpdateFinalized UpdateKind = "finalized"
	UpdateCleared   UpdateKind = "cleared"
)

// Update is published on every mutation. Version is monotonic per store, so a
// consumer that receives updates out of order can drop stale ones or re-read All.
type Update struct {
	SessionID string     `json:"sessionId"`
	Kind      UpdateKind `json:"kind"`
	Version   uint64     `json:"version"`
	Message   *Message   `json:"message,omitempty"`
}

// TopicForSession computes the bus topic for a session's timeline updates.
func TopicForSession(sessionID string) string { return "timeline." + sessionID }

// Store is the single source of truth rendered by the UI. Messages keep their
// append order; only a streaming message may have its content replaced, and
// only until it is finalized.
type Store struct {
	sessionID string
	topic     string
	pub       message.Publisher
	sub       message.Subscriber
	log       zerolog.Logger

	mu        sync.RWMutex
	msgs      []Message
	index     map[string]int
	finalized map[string]struct{}
	version   uint64
}

type Option func(*Store)

// WithBus sets the publisher/subscriber pair used for change notifications.
func WithBus(pub message.Publisher, sub message.Subscriber) Option {
	return func(s *Store) {
		s.pub = pub
		s.sub = sub
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(sessionID string, opts ...Option) *Store {
	s := &Store{
		sessionID: sessionID,
		topic:     TopicForSession(sessionID),
		log:       log.With().Str("component", "timeline").Str("session_id", sessionID).Logger(),
		index:     map[string]int{},
		finalized: map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) Topic() string { return s.topic }

// Append adds msg at the end of the timeline. A message appended with
// Streaming=false is final right away.
func (s *Store) Append(msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return errors.Wrap(ErrInvalidMessage, "empty id")
	}
	if !msg.Role.Valid() {
		return errors.Wrapf(ErrInvalidMessage, "role %q", msg.Role)
	}

	s.mu.Lock()
	if _, ok := s.index[msg.ID]; ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
	}
	s.index[msg.ID] = len(s.msgs)
	s.msgs = append(s.msgs, msg)
	if !msg.Streaming {
		s.finalized[msg.ID] = struct{}{}
	}
	s.version++
	u := Update{SessionID: s.sessionID, Kind: UpdateAppended, Version: s.version, Message: &msg}
	s.mu.Unlock()

	s.publish(u)
	return nil
}

// ReplaceLast replaces, wholesale, the content of the streaming message with the given id.
func (s *Store) ReplaceLast(id, content string) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownMessage, "%s", id)
	}
	if _, done := s.finalized[id]; done {
		s.mu.Unlock()
		return errors.Wrapf(ErrFinalized, "%s", id)
	}
	s.msgs[i].Content = content
	s.version++
	m := s.msgs[i]
	u := Update{SessionID: s.sessionID, Kind: UpdateReplaced, Version: s.version, Message: &m}
	s.mu.Unlock()

	s.publish(u)
	return nil
}

// Finalize closes the message's slot; later ReplaceLast calls on it are rejected.
// Finalizing twice is a no-op.
func (s *Store) Finalize(id string) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownMessage, "%s", id)
	}
	if _, done := s.finalized[id]; done {
		s.mu.Unlock()
		return nil
	}
	s.finalized[id] = struct{}{}
	s.msgs[i].Streaming = false
	s.version++
	m := s.msgs[i]
	u := Update{SessionID: s.sessionID, Kind: UpdateFinalized, Version: s.version, Message: &m}
	s.mu.Unlock()

	s.publish(u)
	return nil
}

func (s *Store) IsFinalized(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.finalized[id]
	return ok
}

// All returns a copy of the timeline in append order.
func (s *Store) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.msgs...)
}

func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.msgs[i], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Clear discards every message. The version keeps growing.
func (s *Store) Clear() {
	s.mu.Lock()
	s.msgs = nil
	s.index = map[string]int{}
	s.finalized = map[string]struct{}{}
	s.version++
	u := Update{SessionID: s.sessionID, Kind: UpdateCleared, Version: s.version}
	s.mu.Unlock()

	s.publish(u)
}

func (s *Store) publish(u Update) {
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(u)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode timeline update")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if err := s.pub.Publish(s.topic, msg); err != nil {
		s.log.Warn().Err(err).Str("topic", s.topic).Uint64("version", u.Version).Msg("failed to publish timeline update")
	}
}

// Subscribe streams decoded updates until ctx is cancelled or the bus closes.
func (s *Store) Subscribe(ctx context.Context) (<-chan Update, error) {
	if s.sub == nil {
		return nil, errors.New("timeline: no subscriber configured")
	}
	ch, err := s.sub.Subscribe(ctx, s.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe timeline topic")
	}
	out := make(chan Update, 64)
	go func() {
		defer close(out)
		for msg := range ch {
			var u Update
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				s.log.Debug().Err(err).Msg("dropping undecodable timeline update")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
