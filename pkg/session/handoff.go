package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

// RequestHandoff asks the handoff endpoint to queue the conversation for a
// human operator. At most one request is outstanding per session; a second
// call, or a call outside AIAssisted, returns ErrHandoffInProgress without
// contacting the endpoint.
//
// On success the session enters Transferring and dials the operator channel.
// On failure an apology is appended and the session stays in AIAssisted, so a
// later trigger retries.
func (s *Session) RequestHandoff(ctx context.Context, reason string) (*escalation.Result, error) {
	if reason == "" {
		reason = escalation.DefaultReason
	}

	var (
		req   escalation.Request
		epoch uint64
	)
	err := s.do(ctx, func() error {
		switch s.mode.(type) {
		case Closed:
			return ErrSessionClosed
		case AIAssisted:
			if s.handoffInFlight {
				return ErrHandoffInProgress
			}
		default:
			return ErrHandoffInProgress
		}
		s.handoffInFlight = true
		epoch = s.epoch
		req = escalation.Request{
			Context: escalation.ConversationContext{
				PriorConversationID: s.conversationID,
				History:             s.store.All(),
			},
			Reason:  reason,
			Channel: s.cfg.Channel,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l := s.log.With().Str("reason", reason).Str("prior_conv_id", req.Context.PriorConversationID).Logger()
	l.Info().Int("history", len(req.Context.History)).Msg("requesting handoff")

	start := time.Now()
	res, callErr := s.escalation.Initiate(ctx, req)
	if callErr != nil {
		s.metrics.Handoff("error", time.Since(start))
	} else {
		s.metrics.Handoff("accepted", time.Since(start))
	}

	var outcome error
	err = s.loop.Do(context.Background(), func() {
		if s.closed || epoch != s.epoch {
			// Clear already reset the flag and the timeline.
			outcome = ErrHandoffDiscarded
			return
		}
		s.handoffInFlight = false
		if callErr != nil {
			outcome = callErr
			s.appendMessage(timeline.NewMessage(timeline.RoleAssistant, s.cfg.Messages.HandoffFailed))
			return
		}
		s.appendMessage(timeline.NewHandoffNotice(s.cfg.Messages.handoffNotice(res)))
		s.assistant.AbandonInFlight()
		s.setMode(Transferring{QueuePosition: res.QueuePosition, ETAMinutes: res.ETAMinutes})
		s.operator.Connect(res.ConversationID)
	})
	if err != nil {
		return nil, ErrSessionClosed
	}

	switch {
	case errors.Is(outcome, ErrHandoffDiscarded):
		l.Info().Msg("handoff result discarded")
		return nil, outcome
	case outcome != nil:
		l.Warn().Err(outcome).Msg("handoff request failed")
		return nil, errors.Wrap(outcome, "handoff request failed")
	}
	l.Info().Str("operator_conv_id", res.ConversationID).Msg("handoff accepted")
	return res, nil
}
