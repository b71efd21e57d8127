package operator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/eventloop"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/metrics"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

type wsServer struct {
	srv     *httptest.Server
	dials   atomic.Int32
	reject  atomic.Bool
	conns   chan *websocket.Conn
	queries chan url.Values
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:   make(chan *websocket.Conn, 16),
		queries: make(chan url.Values, 16),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		s.queries <- r.URL.Query()
		if s.reject.Load() {
			http.Error(w, "no", http.StatusForbidden)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/operator/ws"
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no operator connection")
		return nil
	}
}

type fixture struct {
	loop      *eventloop.Loop
	store     *timeline.Store
	adapter   *Adapter
	server    *wsServer
	metrics   *metrics.Metrics
	reconnect atomic.Bool
	opened    chan string
	ended     chan string
	gaveUp    chan error
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		loop:    eventloop.New("test"),
		store:   timeline.NewStore("s1"),
		server:  newWSServer(t),
		metrics: metrics.New(prometheus.NewRegistry()),
		opened:  make(chan string, 8),
		ended:   make(chan string, 8),
		gaveUp:  make(chan error, 8),
	}
	f.reconnect.Store(true)
	cfg := Config{
		URL:            f.server.url(),
		Name:           "Maria",
		ReconnectDelay: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.adapter = NewAdapter(f.loop, f.store, cfg, Hooks{
		OnOpen:          func(id string) { f.opened <- id },
		OnSessionEnded:  func(reason string) { f.ended <- reason },
		OnGiveUp:        func(err error) { f.gaveUp <- err },
		ShouldReconnect: func() bool { return f.reconnect.Load() },
	}, f.metrics)
	t.Cleanup(func() {
		_ = f.loop.Do(context.Background(), f.adapter.Close)
		f.loop.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Do(context.Background(), fn))
}

func (f *fixture) state(t *testing.T) State {
	var s State
	f.do(t, func() { s = f.adapter.State() })
	return s
}

func (f *fixture) pending(t *testing.T) bool {
	var p bool
	f.do(t, func() { p = f.adapter.Pending() })
	return p
}

func (f *fixture) messages(t *testing.T) []timeline.Message {
	var out []timeline.Message
	f.do(t, func() { out = f.store.All() })
	return out
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

// connect opens the channel and returns the server side of the connection.
func (f *fixture) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	f.do(t, func() { f.adapter.Connect("op-1") })
	c := f.server.accept(t)
	require.Equal(t, "op-1", waitFor(t, f.opened))
	return c
}

func TestConnectOpensWithQueryParameters(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	q := waitFor(t, f.server.queries)
	require.Equal(t, "op-1", q.Get("conversationId"))
	require.Equal(t, "user", q.Get("role"))
	require.Equal(t, "Maria", q.Get("name"))
	require.Equal(t, StateOpen, f.state(t))
}

func TestInboundFramesAreRoutedByRole(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect(t)

	frames := []string{
		`{"type":"operator_joined","operatorName":"Ana"}`,
		`{"type":"message","from":{"role":"operator","name":"Ana"},"content":"Olá, sou a Ana","timestamp":"2026-01-02T10:00:00Z"}`,
		`{"type":"message","from":{"role":"user"},"content":"eco"}`,
		`{"type":"message","from":{"role":"bot"},"content":"quem?"}`,
		`{"type":"typing"}`,
		`not json`,
		`{"type":"message","from":{"role":"system"},"content":"transferido"}`,
	}
	for _, fr := range frames {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(fr)))
	}

	require.Eventually(t, func() bool { return len(f.messages(t)) == 3 }, 2*time.Second, 10*time.Millisecond)
	msgs := f.messages(t)
	require.Equal(t, timeline.RoleSystem, msgs[0].Role)
	require.Equal(t, "Ana entrou na conversa.", msgs[0].Content)
	require.Equal(t, timeline.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Olá, sou a Ana", msgs[1].Content)
	require.Equal(t, 2026, msgs[1].CreatedAt.Year())
	require.Equal(t, timeline.RoleSystem, msgs[2].Role)
	require.Equal(t, "transferido", msgs[2].Content)

	// dropped frames never reach the timeline
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.messages(t), 3)
	require.Equal(t, 3.0, testutil.ToFloat64(f.metrics.FramesDropped.WithLabelValues("operator")))
}

func TestSendWhenNotOpenAppendsNothing(t *testing.T) {
	f := newFixture(t, nil)
	var err error
	f.do(t, func() { err = f.adapter.Send("oi") })
	require.True(t, errors.Is(err, ErrNotOpen))
	require.Empty(t, f.messages(t))
}

func TestSendAppendsOptimisticallyAndWritesFrame(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect(t)

	var err error
	f.do(t, func() { err = f.adapter.Send("preciso de ajuda") })
	require.NoError(t, err)

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, timeline.RoleUser, msgs[0].Role)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	fr, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameMessage, fr.Type)
	require.Equal(t, SenderUser, fr.From.Role)
	require.Equal(t, "Maria", fr.From.Name)
	require.Equal(t, "preciso de ajuda", fr.Content)
	require.False(t, fr.Timestamp.IsZero())

	// the server echoing the user's own frame adds nothing
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.messages(t), 1)
}

func TestSessionEndedClosesWithoutReconnect(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_ended","reason":"resolved"}`)))
	require.Equal(t, "resolved", waitFor(t, f.ended))

	require.Equal(t, StateClosed, f.state(t))
	require.False(t, f.pending(t))
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, timeline.RoleSystem, msgs[0].Role)
	require.Equal(t, DefaultTexts().SessionEnded, msgs[0].Content)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), f.server.dials.Load())
	require.False(t, f.pending(t))
}

func TestUnexpectedDropSchedulesOneReconnect(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect(t)

	_ = c.Close()
	require.Eventually(t, func() bool { return f.pending(t) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateReconnecting, f.state(t))

	f.server.accept(t)
	require.Equal(t, "op-1", waitFor(t, f.opened))
	require.Equal(t, StateOpen, f.state(t))
	require.False(t, f.pending(t))
	require.Equal(t, int32(2), f.server.dials.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconnectsScheduled))
}

func TestSecondClosureReplacesPendingTimer(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconnectDelay = 200 * time.Millisecond })
	c := f.connect(t)

	_ = c.Close()
	require.Eventually(t, func() bool { return f.pending(t) }, 2*time.Second, 5*time.Millisecond)

	var first *time.Timer
	f.do(t, func() { first = f.adapter.timer })
	f.do(t, func() { f.adapter.handleClosure(errors.New("dropped again")) })

	var second *time.Timer
	f.do(t, func() { second = f.adapter.timer })
	require.NotNil(t, second)
	require.NotSame(t, first, second)
	require.False(t, first.Stop(), "replaced timer must already be stopped")

	f.server.accept(t)
	waitFor(t, f.opened)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, int32(2), f.server.dials.Load())
	require.Equal(t, StateOpen, f.state(t))
}

func TestCloseCancelsPendingTimer(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconnectDelay = 100 * time.Millisecond })
	c := f.connect(t)

	_ = c.Close()
	require.Eventually(t, func() bool { return f.pending(t) }, 2*time.Second, 5*time.Millisecond)

	f.do(t, f.adapter.Close)
	require.False(t, f.pending(t))
	require.Equal(t, StateClosed, f.state(t))

	time.Sleep(250 * time.Millisecond)
	require.Equal(t, int32(1), f.server.dials.Load())

	// a closed adapter does not come back on its own
	f.do(t, f.adapter.EnsureConnected)
	require.False(t, f.pending(t))
}

func TestNoReconnectWhenModeDisallows(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect(t)
	f.reconnect.Store(false)

	_ = c.Close()
	require.Eventually(t, func() bool { return f.state(t) == StateClosed }, 2*time.Second, 5*time.Millisecond)
	require.False(t, f.pending(t))
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ReconnectDelay = 10 * time.Millisecond
		c.MaxReconnectAttempts = 2
	})
	f.server.reject.Store(true)

	f.do(t, func() { f.adapter.Connect("op-1") })
	require.Error(t, waitFor(t, f.gaveUp))
	require.Equal(t, StateClosed, f.state(t))
	require.False(t, f.pending(t))
	// the first dial plus two reconnects
	require.Equal(t, int32(3), f.server.dials.Load())
}

func TestEnsureConnectedAfterSendFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconnectDelay = 20 * time.Millisecond })
	c := f.connect(t)
	f.reconnect.Store(false)
	_ = c.Close()
	require.Eventually(t, func() bool { return f.state(t) == StateClosed }, 2*time.Second, 5*time.Millisecond)

	f.do(t, f.adapter.EnsureConnected)
	require.True(t, f.pending(t))
	f.server.accept(t)
	waitFor(t, f.opened)
	require.Equal(t, StateOpen, f.state(t))
}

func TestEnsureConnectedKeepsPendingReconnect(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconnectDelay = 200 * time.Millisecond })
	c := f.connect(t)

	_ = c.Close()
	require.Eventually(t, func() bool { return f.pending(t) }, 2*time.Second, 5*time.Millisecond)

	var first, second *time.Timer
	f.do(t, func() {
		first = f.adapter.timer
		f.adapter.EnsureConnected()
		second = f.adapter.timer
	})
	require.Same(t, first, second)

	// failed sends keep asking for a connection; the timer still fires on schedule
	start := time.Now()
	for time.Since(start) < 600*time.Millisecond {
		f.do(t, f.adapter.EnsureConnected)
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, int32(2), f.server.dials.Load())

	f.server.accept(t)
	waitFor(t, f.opened)
	require.Equal(t, StateOpen, f.state(t))
}

func TestZeroMaxAttemptsUsesDefault(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ReconnectDelay = 5 * time.Millisecond
		c.MaxReconnectAttempts = 0
	})
	require.Equal(t, 5, f.adapter.cfg.MaxReconnectAttempts)
	f.server.reject.Store(true)

	f.do(t, func() { f.adapter.Connect("op-1") })
	require.Error(t, waitFor(t, f.gaveUp))
	require.Equal(t, int32(6), f.server.dials.Load())
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PingInterval = 50 * time.Millisecond })
	c := f.connect(t)

	pings := make(chan struct{}, 16)
	c.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitFor(t, pings)
	waitFor(t, pings)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateOpen, f.state(t))
	require.Equal(t, int32(1), f.server.dials.Load())
}
