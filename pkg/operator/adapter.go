// Package operator owns the duplex websocket connection to a human operator's
// session, including reconnection after unexpected closures.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/eventloop"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/metrics"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

var (
	ErrNotOpen    = errors.New("operator: connection is not open")
	ErrSendFailed = errors.New("operator: send failed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Hooks are invoked on the loop.
type Hooks struct {
	OnOpen         func(operatorConversationID string)
	OnSessionEnded func(reason string)
	// OnGiveUp is called once MaxReconnectAttempts consecutive attempts failed.
	OnGiveUp func(err error)
	// ShouldReconnect is asked at closure time; false leaves the adapter closed.
	ShouldReconnect func() bool
}

type Texts struct {
	// OperatorJoined may contain one %s for the operator name.
	OperatorJoined       string
	OperatorJoinedNoName string
	SessionEnded         string
}

func DefaultTexts() Texts {
	return Texts{
		OperatorJoined:       "%s entrou na conversa.",
		OperatorJoinedNoName: "Um atendente entrou na conversa.",
		SessionEnded:         "O atendimento foi encerrado. Obrigado pelo contato!",
	}
}

type Config struct {
	// URL is the websocket endpoint; conversationId, role and name are added as query parameters.
	URL                  string
	Role                 string
	Name                 string
	ReconnectDelay       time.Duration
	// MaxReconnectAttempts caps consecutive failed reconnects before giving up.
	// Zero selects the default of 5; there is no unlimited setting.
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	// PingInterval enables keepalive pings; 0 disables them.
	PingInterval time.Duration
	Texts        Texts
}

func (c Config) withDefaults() Config {
	if c.Role == "" {
		c.Role = "user"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	def := DefaultTexts()
	if c.Texts.OperatorJoined == "" {
		c.Texts.OperatorJoined = def.OperatorJoined
	}
	if c.Texts.OperatorJoinedNoName == "" {
		c.Texts.OperatorJoinedNoName = def.OperatorJoinedNoName
	}
	if c.Texts.SessionEnded == "" {
		c.Texts.SessionEnded = def.SessionEnded
	}
	return c
}

// Adapter is the operator channel of one session. Its methods and lifecycle
// fields are confined to the session loop; the dial, read, keepalive and timer
// goroutines only post events back, tagged with the generation of the handle
// they belong to.
type Adapter struct {
	loop    *eventloop.Loop
	store   *timeline.Store
	cfg     Config
	hooks   Hooks
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	log     zerolog.Logger

	// lifecycle
	state    State
	convID   string
	conn     *websocket.Conn
	stopPing chan struct{}
	gen      uint64
	timer    *time.Timer
	timerGen uint64
	attempts int
	ended    bool
}

func NewAdapter(loop *eventloop.Loop, store *timeline.Store, cfg Config, hooks Hooks, m *metrics.Metrics) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		loop:    loop,
		store:   store,
		cfg:     cfg,
		hooks:   hooks,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		metrics: m,
		log:     log.With().Str("component", "operator").Str("session_id", store.SessionID()).Logger(),
	}
}

func (a *Adapter) State() State { return a.state }

func (a *Adapter) ConversationID() string { return a.convID }

// Pending reports whether a reconnect timer is armed.
func (a *Adapter) Pending() bool { return a.timer != nil }

// Attempts is the number of consecutive failed connection attempts.
func (a *Adapter) Attempts() int { return a.attempts }

// Connect opens the channel for operatorConversationID. Any previous handle
// and pending timer are released first.
func (a *Adapter) Connect(operatorConversationID string) {
	if (a.state == StateConnecting || a.state == StateOpen) && a.convID == operatorConversationID {
		return
	}
	a.convID = operatorConversationID
	a.ended = false
	a.attempts = 0
	a.stopTimer()
	a.dial()
}

// EnsureConnected asks for a connection after a failed send. A pending timer is
// left alone so repeated sends cannot push the reconnect back; an adapter that
// ended or was closed stays closed.
func (a *Adapter) EnsureConnected() {
	if a.ended || a.convID == "" || a.timer != nil {
		return
	}
	switch a.state {
	case StateOpen, StateConnecting:
		return
	default:
		a.schedule()
	}
}

// Close releases the handle after cancelling any pending reconnect. No
// reconnection happens afterwards.
func (a *Adapter) Close() {
	a.ended = true
	a.stopTimer()
	a.releaseConn(true)
	a.gen++
	if a.state != StateClosed {
		a.log.Info().Str("conv_id", a.convID).Msg("operator channel closed")
	}
	a.state = StateClosed
}

// Send appends text to the timeline as a user message, then writes it to the
// operator. Nothing is appended when the channel is not open.
func (a *Adapter) Send(text string) error {
	if a.state != StateOpen || a.conn == nil {
		return ErrNotOpen
	}
	msg := timeline.NewMessage(timeline.RoleUser, text)
	if err := a.store.Append(msg); err != nil {
		return errors.Wrap(err, "append user message")
	}
	b, err := json.Marshal(NewUserMessage(a.cfg.Name, text, msg.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "encode operator frame")
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	if err := a.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		a.log.Warn().Err(err).Str("conv_id", a.convID).Msg("operator write failed, dropping connection")
		// the reader observes the close and reports it
		_ = a.conn.Close()
		return errors.Wrap(ErrSendFailed, err.Error())
	}
	return nil
}

func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimSpace(a.cfg.URL))
	if err != nil {
		return "", errors.Wrap(err, "operator url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.Errorf("operator url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("conversationId", a.convID)
	q.Set("role", a.cfg.Role)
	if a.cfg.Name != "" {
		q.Set("name", a.cfg.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) dial() {
	a.releaseConn(false)
	a.gen++
	gen := a.gen
	a.state = StateConnecting

	endpoint, err := a.endpoint()
	if err != nil {
		a.log.Error().Err(err).Msg("cannot build operator endpoint")
		a.state = StateClosed
		if a.hooks.OnGiveUp != nil {
			a.hooks.OnGiveUp(err)
		}
		return
	}
	a.log.Debug().Str("conv_id", a.convID).Uint64("gen", gen).Msg("dialing operator channel")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HandshakeTimeout)
		defer cancel()
		conn, resp, err := a.dialer.DialContext(ctx, endpoint, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if !a.loop.Post(func() { a.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (a *Adapter) onDialed(gen uint64, conn *websocket.Conn, err error) {
	if gen != a.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		a.metrics.OperatorDial("error")
		a.log.Warn().Err(err).Str("conv_id", a.convID).Int("attempt", a.attempts+1).Msg("operator dial failed")
		a.handleClosure(err)
		return
	}
	a.metrics.OperatorDial("ok")
	a.conn = conn
	a.state = StateOpen
	a.attempts = 0
	a.log.Info().Str("conv_id", a.convID).Msg("operator channel open")

	if a.cfg.PingInterval > 0 {
		wait := 2 * a.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		a.stopPing = make(chan struct{})
		go a.keepalive(conn, a.stopPing)
	}
	go a.readLoop(gen, conn)

	if a.hooks.OnOpen != nil {
		a.hooks.OnOpen(a.convID)
	}
}

func (a *Adapter) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.loop.Post(func() { a.onClosed(gen, err) })
			return
		}
		a.loop.Post(func() { a.onFrame(gen, data) })
	}
}

func (a *Adapter) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(a.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (a *Adapter) onClosed(gen uint64, err error) {
	if gen != a.gen {
		return
	}
	a.log.Info().Err(err).Str("conv_id", a.convID).Msg("operator channel closed by transport")
	a.releaseConn(false)
	a.handleClosure(err)
}

// handleClosure decides between one scheduled reconnect and staying closed.
func (a *Adapter) handleClosure(err error) {
	if a.ended || a.state == StateClosed {
		return
	}
	if a.hooks.ShouldReconnect == nil || !a.hooks.ShouldReconnect() {
		a.state = StateClosed
		return
	}
	a.attempts++
	if a.attempts > a.cfg.MaxReconnectAttempts {
		a.log.Warn().Str("conv_id", a.convID).Int("attempts", a.attempts-1).Msg("giving up on operator channel")
		a.stopTimer()
		a.state = StateClosed
		if a.hooks.OnGiveUp != nil {
			a.hooks.OnGiveUp(err)
		}
		return
	}
	a.schedule()
}

// schedule arms the single reconnect timer, cancelling a pending one.
func (a *Adapter) schedule() {
	a.stopTimer()
	tg := a.timerGen
	a.state = StateReconnecting
	a.timer = time.AfterFunc(a.cfg.ReconnectDelay, func() {
		a.loop.Post(func() { a.onTimer(tg) })
	})
	a.metrics.ReconnectScheduled()
	a.log.Debug().Str("conv_id", a.convID).Dur("delay", a.cfg.ReconnectDelay).Int("attempt", a.attempts).Msg("operator reconnect scheduled")
}

func (a *Adapter) onTimer(tg uint64) {
	if tg != a.timerGen || a.timer == nil {
		return
	}
	a.timer = nil
	a.dial()
}

// stopTimer cancels the pending timer. Bumping timerGen also voids a callback
// that already fired and is waiting in the loop queue.
func (a *Adapter) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Adapter) releaseConn(graceful bool) {
	if a.stopPing != nil {
		close(a.stopPing)
		a.stopPing = nil
	}
	if a.conn == nil {
		return
	}
	if graceful {
		_ = a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	_ = a.conn.Close()
	a.conn = nil
}

func (a *Adapter) onFrame(gen uint64, data []byte) {
	if gen != a.gen || a.state != StateOpen {
		return
	}
	f, err := DecodeFrame(data)
	if err != nil {
		a.metrics.FrameDropped("operator")
		a.log.Debug().Err(err).Str("conv_id", a.convID).Msg("dropping operator frame")
		return
	}

	switch f.Type {
	case FrameMessage:
		a.onMessage(f)
	case FrameOperatorJoined:
		name := f.OperatorName
		if name == "" && f.From != nil {
			name = f.From.Name
		}
		text := a.cfg.Texts.OperatorJoinedNoName
		if name != "" {
			text = fmt.Sprintf(a.cfg.Texts.OperatorJoined, name)
		}
		a.appendSystem(text)
	case FrameSessionEnded:
		text := strings.TrimSpace(f.Content)
		if text == "" {
			text = a.cfg.Texts.SessionEnded
		}
		a.appendSystem(text)
		a.log.Info().Str("conv_id", a.convID).Str("reason", f.Reason).Msg("operator session ended")
		a.ended = true
		if a.hooks.OnSessionEnded != nil {
			a.hooks.OnSessionEnded(f.Reason)
		}
		a.Close()
	}
}

func (a *Adapter) onMessage(f Frame) {
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return
	}
	var role timeline.Role
	switch f.From.Role {
	case SenderOperator:
		role = timeline.RoleAssistant
	case SenderSystem:
		role = timeline.RoleSystem
	case SenderUser:
		// already appended optimistically by Send
		return
	}
	msg := timeline.NewMessage(role, f.Content)
	if !f.Timestamp.IsZero() {
		msg.CreatedAt = f.Timestamp.Time
	}
	if err := a.store.Append(msg); err != nil {
		a.log.Warn().Err(err).Msg("failed to append operator message")
	}
}

func (a *Adapter) appendSystem(text string) {
	if err := a.store.Append(timeline.NewMessage(timeline.RoleSystem, text)); err != nil {
		a.log.Warn().Err(err).Msg("failed to append operator notice")
	}
}
