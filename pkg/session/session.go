// Package session is the handoff session manager: it owns a support chat's
// lifecycle, routes each user message to the assistant or the human operator,
// and keeps both transports' output in one ordered timeline.
package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/assistant"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/eventloop"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/feedback"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/intent"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/metrics"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/operator"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

var (
	ErrSessionClosed       = errors.New("session: closed")
	ErrEmptyMessage        = errors.New("session: empty message")
	ErrHandoffInProgress   = errors.New("session: handoff already requested")
	ErrHandoffDiscarded    = errors.New("session: handoff result discarded after clear")
	ErrOperatorUnavailable = errors.New("session: operator channel unavailable")
	ErrAssistantOffline    = errors.New("session: assistant unreachable")
)

// AssistantClient is the assistant endpoint.
type AssistantClient interface {
	Conversation(ctx context.Context) (string, error)
	assistant.Streamer
}

// Initiator is the handoff endpoint.
type Initiator interface {
	Initiate(ctx context.Context, req escalation.Request) (*escalation.Result, error)
}

// FeedbackSubmitter posts ratings without blocking the caller.
type FeedbackSubmitter interface {
	SubmitAsync(messageID string, s feedback.Sentiment) error
}

type Config struct {
	// ID names the session; a random one is generated when empty.
	ID            string          `yaml:"-"`
	Channel       string          `yaml:"channel"`
	ExtraTriggers []string        `yaml:"extraTriggers"`
	Messages      Messages        `yaml:"messages"`
	Operator      operator.Config `yaml:"-"`
}

type Deps struct {
	Assistant  AssistantClient
	Escalation Initiator
	// Feedback may be nil, ratings are then validated and dropped.
	Feedback FeedbackSubmitter
	// Bus carries timeline updates to subscribers; nil disables Subscribe.
	Bus        *timeline.Bus
	Metrics    *metrics.Metrics
	Classifier *intent.Classifier
}

// State is a snapshot of the session taken on its loop.
type State struct {
	SessionID        string
	Mode             Mode
	ConversationID   string
	OperatorState    operator.State
	ReconnectPending bool
	Messages         []timeline.Message
	Version          uint64
}

// Session is safe for concurrent use. Every exported method enters the
// session loop; none may be called from a hook running on it.
type Session struct {
	id         string
	cfg        Config
	loop       *eventloop.Loop
	store      *timeline.Store
	assistant  *assistant.Adapter
	operator   *operator.Adapter
	conv       AssistantClient
	escalation Initiator
	feedback   FeedbackSubmitter
	classifier *intent.Classifier
	metrics    *metrics.Metrics
	log        zerolog.Logger

	// loop-confined
	mode            Mode
	conversationID  string
	handoffInFlight bool
	epoch           uint64
	closed          bool
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Assistant == nil {
		return nil, errors.New("session: assistant client is nil")
	}
	if deps.Escalation == nil {
		return nil, errors.New("session: escalation client is nil")
	}
	if strings.TrimSpace(cfg.Operator.URL) == "" {
		return nil, errors.New("session: operator url is empty")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Channel == "" {
		cfg.Channel = escalation.DefaultChannel
	}
	cfg.Messages = cfg.Messages.withDefaults()
	cfg.Operator.Texts = cfg.Messages.operatorTexts()

	classifier := deps.Classifier
	if classifier == nil {
		classifier = intent.NewClassifier(cfg.ExtraTriggers...)
	}

	var storeOpts []timeline.Option
	if deps.Bus != nil {
		storeOpts = append(storeOpts, timeline.WithBus(deps.Bus.Publisher, deps.Bus.Subscriber))
	}

	s := &Session{
		id:         cfg.ID,
		cfg:        cfg,
		loop:       eventloop.New("session-" + cfg.ID),
		store:      timeline.NewStore(cfg.ID, storeOpts...),
		conv:       deps.Assistant,
		escalation: deps.Escalation,
		feedback:   deps.Feedback,
		classifier: classifier,
		metrics:    deps.Metrics,
		log:        log.With().Str("component", "session").Str("session_id", cfg.ID).Logger(),
		mode:       AIAssisted{},
	}
	s.assistant = assistant.NewAdapter(s.loop, s.store, deps.Assistant, deps.Metrics)
	s.assistant.Accepting = func() bool {
		_, ok := s.mode.(AIAssisted)
		return ok
	}
	s.operator = operator.NewAdapter(s.loop, s.store, cfg.Operator, operator.Hooks{
		OnOpen:          s.onOperatorOpen,
		OnSessionEnded:  s.onOperatorSessionEnded,
		OnGiveUp:        s.onOperatorGiveUp,
		ShouldReconnect: func() bool { return routesToOperator(s.mode) },
	}, deps.Metrics)

	s.log.Info().Str("operator_url", cfg.Operator.URL).Msg("session created")
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Topic is the bus topic the session's timeline updates are published on.
func (s *Session) Topic() string { return s.store.Topic() }

// do runs fn on the loop, refusing once the session is closed.
func (s *Session) do(ctx context.Context, fn func() error) error {
	var fnErr error
	if err := s.loop.Do(ctx, func() {
		if s.closed {
			fnErr = ErrSessionClosed
			return
		}
		fnErr = fn()
	}); err != nil {
		if errors.Is(err, eventloop.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	return fnErr
}

// InitConversation appends the welcome message and obtains the assistant
// conversation id. A failure leaves the session usable in degraded mode; the
// error is returned for the host's information only.
func (s *Session) InitConversation(ctx context.Context) error {
	var epoch uint64
	err := s.do(ctx, func() error {
		epoch = s.epoch
		if s.cfg.Messages.Welcome != "" && s.store.Len() == 0 {
			s.appendMessage(timeline.NewMessage(timeline.RoleAssistant, s.cfg.Messages.Welcome))
		}
		return nil
	})
	if err != nil {
		return err
	}

	id, err := s.conv.Conversation(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("assistant conversation unavailable, running degraded")
		return errors.Wrap(ErrAssistantOffline, err.Error())
	}
	return s.do(ctx, func() error {
		if epoch == s.epoch {
			s.conversationID = id
			s.log.Info().Str("conv_id", id).Msg("assistant conversation ready")
		}
		return nil
	})
}

type route int

const (
	routeAssistant route = iota
	routeHandoff
	routeOperator
)

// SendMessage routes one user message according to the current mode. It
// returns once the resulting exchange is over.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	var (
		r      route
		convID string
		epoch  uint64
		opErr  error
	)
	err := s.do(ctx, func() error {
		epoch = s.epoch
		switch s.mode.(type) {
		case Closed:
			return ErrSessionClosed
		case Transferring, HumanAssisted:
			r = routeOperator
			opErr = s.operator.Send(text)
			if errors.Is(opErr, operator.ErrNotOpen) {
				s.operator.EnsureConnected()
			}
			return nil
		}

		s.appendMessage(timeline.NewMessage(timeline.RoleUser, text))
		if phrase, ok := s.classifier.Match(text); ok {
			s.log.Info().Str("trigger", phrase).Msg("handoff trigger detected")
			if s.handoffInFlight {
				return ErrHandoffInProgress
			}
			s.appendMessage(timeline.NewMessage(timeline.RoleAssistant, s.cfg.Messages.HandoffAck))
			r = routeHandoff
			return nil
		}
		r = routeAssistant
		convID = s.conversationID
		return nil
	})
	if err != nil {
		return err
	}

	switch r {
	case routeOperator:
		s.metrics.Routed("operator")
		if opErr != nil {
			s.log.Warn().Err(opErr).Msg("operator send failed")
			return errors.Wrap(ErrOperatorUnavailable, opErr.Error())
		}
		return nil
	case routeHandoff:
		s.metrics.Routed("handoff")
		_, err := s.RequestHandoff(ctx, "keyword")
		return err
	}

	s.metrics.Routed("assistant")
	if convID == "" {
		id, err := s.conv.Conversation(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("assistant still unreachable")
			s.degrade(ctx, epoch)
			return errors.Wrap(ErrAssistantOffline, err.Error())
		}
		convID = id
		if err := s.do(ctx, func() error {
			if epoch == s.epoch {
				s.conversationID = id
			}
			return nil
		}); err != nil {
			return err
		}
	}

	err = s.assistant.Converse(ctx, convID, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, assistant.ErrStreamInterrupted), errors.Is(err, context.Canceled):
		return err
	default:
		s.degrade(ctx, epoch)
		return errors.Wrap(ErrAssistantOffline, err.Error())
	}
}

// degrade appends the notice inviting an explicit handoff, unless the session
// moved on in the meantime.
func (s *Session) degrade(ctx context.Context, epoch uint64) {
	_ = s.do(ctx, func() error {
		if _, ok := s.mode.(AIAssisted); ok && epoch == s.epoch {
			s.appendMessage(timeline.NewMessage(timeline.RoleSystem, s.cfg.Messages.AssistantOffline))
		}
		return nil
	})
}

// SendFeedback rates a timeline message. Delivery is best effort; only invalid
// input is reported.
func (s *Session) SendFeedback(ctx context.Context, messageID, sentiment string) error {
	sent, err := feedback.ParseSentiment(sentiment)
	if err != nil {
		return err
	}
	err = s.do(ctx, func() error {
		if _, ok := s.store.Get(messageID); !ok {
			return errors.Wrapf(timeline.ErrUnknownMessage, "%s", messageID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.feedback == nil {
		return nil
	}
	return s.feedback.SubmitAsync(messageID, sent)
}

// Clear is the only reset path: it closes the operator channel, abandons
// assistant exchanges, empties the timeline and returns to AIAssisted.
func (s *Session) Clear(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.operator.Close()
		s.assistant.AbandonInFlight()
		s.store.Clear()
		s.conversationID = ""
		s.handoffInFlight = false
		s.epoch++
		s.setMode(AIAssisted{})
		s.log.Info().Msg("session cleared")
		return nil
	})
}

// State returns a snapshot of the session.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.loop.Do(ctx, func() {
		st = State{
			SessionID:        s.id,
			Mode:             s.mode,
			ConversationID:   s.conversationID,
			OperatorState:    s.operator.State(),
			ReconnectPending: s.operator.Pending(),
			Messages:         s.store.All(),
			Version:          s.store.Version(),
		}
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return State{}, ErrSessionClosed
	}
	return st, err
}

// Subscribe streams timeline updates until ctx is done.
func (s *Session) Subscribe(ctx context.Context) (<-chan timeline.Update, error) {
	return s.store.Subscribe(ctx)
}

// Close tears the session down: the operator channel and its timer are
// released and the loop stops. It is idempotent.
func (s *Session) Close() {
	_ = s.loop.Do(context.Background(), func() {
		if s.closed {
			return
		}
		s.closed = true
		s.operator.Close()
		s.assistant.AbandonInFlight()
		s.log.Info().Msg("session closed")
	})
	s.loop.Close()
}

func (s *Session) appendMessage(m timeline.Message) {
	if err := s.store.Append(m); err != nil {
		s.log.Warn().Err(err).Str("role", string(m.Role)).Msg("failed to append message")
	}
}

func (s *Session) setMode(m Mode) {
	prev := s.mode
	s.mode = m
	s.metrics.Mode(m.String())
	s.log.Info().Str("from", prev.String()).Str("to", m.String()).Msg("session mode changed")
}

func (s *Session) onOperatorOpen(id string) {
	if routesToOperator(s.mode) {
		s.setMode(HumanAssisted{OperatorConversationID: id})
	}
}

func (s *Session) onOperatorSessionEnded(reason string) {
	if reason == "" {
		reason = "session_ended"
	}
	s.setMode(Closed{Reason: reason})
}

func (s *Session) onOperatorGiveUp(err error) {
	if !routesToOperator(s.mode) {
		return
	}
	s.log.Warn().Err(err).Msg("operator channel unreachable, closing session")
	s.appendMessage(timeline.NewMessage(timeline.RoleSystem, s.cfg.Messages.OperatorLost))
	s.setMode(Closed{Reason: "operator_unreachable"})
}
