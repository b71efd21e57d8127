package assistant

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/eventloop"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/metrics"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

// ErrStreamInterrupted ends an exchange whose stream broke before its done frame.
// Whatever was received stays in the timeline, finalized.
var ErrStreamInterrupted = errors.New("assistant: stream interrupted")

// Streamer opens the framed answer to one user message.
type Streamer interface {
	Stream(ctx context.Context, conversationID, text string) (*FrameReader, error)
}

type exchange struct {
	seq       uint64
	epoch     uint64
	slotID    string
	finished  bool
	abandoned bool
}

// Adapter runs assistant exchanges. Converse blocks in the caller's goroutine
// while every timeline mutation is posted to the session loop, so exchange
// bookkeeping is only touched from the loop.
type Adapter struct {
	loop     *eventloop.Loop
	store    *timeline.Store
	streamer Streamer
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// Accepting is consulted on the loop before each fold. Returning false
	// abandons the exchange.
	Accepting func() bool

	seq   atomic.Uint64
	epoch atomic.Uint64
	open  map[uint64]*exchange
}

func NewAdapter(loop *eventloop.Loop, store *timeline.Store, streamer Streamer, m *metrics.Metrics) *Adapter {
	return &Adapter{
		loop:     loop,
		store:    store,
		streamer: streamer,
		metrics:  m,
		log:      log.With().Str("component", "assistant").Str("session_id", store.SessionID()).Logger(),
		open:     map[uint64]*exchange{},
	}
}

// Converse sends text and folds the streamed answer into one assistant message.
// An error opening the stream is returned without touching the timeline. It
// must not be called from the loop.
func (a *Adapter) Converse(ctx context.Context, conversationID, text string) error {
	ex := &exchange{seq: a.seq.Add(1), epoch: a.epoch.Load()}
	started := time.Now()
	l := a.log.With().Str("conv_id", conversationID).Uint64("exchange", ex.seq).Logger()

	fr, err := a.streamer.Stream(ctx, conversationID, text)
	if err != nil {
		a.metrics.Stream("open_failed")
		l.Warn().Err(err).Msg("assistant stream could not be opened")
		return err
	}
	defer func() { _ = fr.Close() }()
	fr.OnDrop = func(line string, err error) {
		a.metrics.FrameDropped("assistant")
		l.Debug().Err(err).Str("line", line).Msg("dropping assistant frame")
	}

	a.loop.Post(func() { a.open[ex.seq] = ex })

	var acc strings.Builder
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.Warn().Msg("assistant stream ended without done frame")
			} else {
				l.Warn().Err(err).Msg("assistant stream interrupted")
			}
			a.metrics.Stream("interrupted")
			a.finishAndWait(ctx, ex)
			return ErrStreamInterrupted
		}

		switch f.Type {
		case FrameContent:
			if acc.Len() == 0 {
				a.metrics.FirstToken(time.Since(started))
			}
			acc.WriteString(f.Content)
			snapshot := acc.String()
			a.loop.Post(func() { a.fold(ex, snapshot) })
		case FrameDone:
			a.metrics.Stream("done")
			l.Debug().Int("chars", acc.Len()).Msg("assistant stream done")
			a.finishAndWait(ctx, ex)
			return nil
		case FrameError:
			a.metrics.Stream("error_frame")
			l.Warn().Str("reason", f.Error).Msg("assistant stream reported an error")
			a.finishAndWait(ctx, ex)
			return errors.Wrapf(ErrStreamInterrupted, "%s", f.Error)
		}
	}
}

// fold runs on the loop.
func (a *Adapter) fold(ex *exchange, content string) {
	if ex.finished || ex.abandoned {
		return
	}
	if ex.epoch != a.epoch.Load() || (a.Accepting != nil && !a.Accepting()) {
		a.abandon(ex)
		return
	}
	if ex.slotID == "" {
		m := timeline.NewMessage(timeline.RoleAssistant, content)
		m.Streaming = true
		if err := a.store.Append(m); err != nil {
			a.log.Warn().Err(err).Msg("failed to append assistant slot")
			return
		}
		ex.slotID = m.ID
		return
	}
	if err := a.store.ReplaceLast(ex.slotID, content); err != nil {
		a.log.Debug().Err(err).Str("message_id", ex.slotID).Msg("assistant fold rejected")
	}
}

// finish runs on the loop.
func (a *Adapter) finish(ex *exchange) {
	delete(a.open, ex.seq)
	if ex.finished {
		return
	}
	ex.finished = true
	if ex.slotID != "" {
		if err := a.store.Finalize(ex.slotID); err != nil {
			a.log.Debug().Err(err).Str("message_id", ex.slotID).Msg("assistant finalize failed")
		}
	}
}

func (a *Adapter) abandon(ex *exchange) {
	ex.abandoned = true
	a.finish(ex)
}

func (a *Adapter) finishAndWait(ctx context.Context, ex *exchange) {
	if err := a.loop.Do(ctx, func() { a.finish(ex) }); err != nil {
		a.log.Debug().Err(err).Uint64("exchange", ex.seq).Msg("exchange finish not confirmed")
	}
}

// AbandonInFlight finalizes every open exchange; their later frames are ignored.
// It must be called from the loop.
func (a *Adapter) AbandonInFlight() int {
	a.epoch.Add(1)
	n := 0
	for _, ex := range a.open {
		a.abandon(ex)
		n++
	}
	if n > 0 {
		a.log.Info().Int("exchanges", n).Msg("abandoned in-flight assistant exchanges")
	}
	return n
}

// InFlight reports the number of open exchanges. Loop only.
func (a *Adapter) InFlight() int { return len(a.open) }
