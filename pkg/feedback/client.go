// Package feedback submits best-effort thumbs up/down ratings of timeline messages.
package feedback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/apiclient"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/metrics"
)

const DefaultPath = "/assistant/feedback"

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
)

var (
	ErrInvalidSentiment = errors.New("feedback: invalid sentiment")
	ErrEmptyMessageID   = errors.New("feedback: empty message id")
	ErrRateLimited      = errors.New("feedback: rate limited")
)

func ParseSentiment(s string) (Sentiment, error) {
	switch v := Sentiment(strings.ToLower(strings.TrimSpace(s))); v {
	case SentimentPositive, SentimentNegative:
		return v, nil
	case "up", "+1", "like":
		return SentimentPositive, nil
	case "down", "-1", "dislike":
		return SentimentNegative, nil
	default:
		return "", errors.Wrapf(ErrInvalidSentiment, "%q", s)
	}
}

type request struct {
	MessageID string    `json:"messageId"`
	Sentiment Sentiment `json:"sentiment"`
}

// Client posts feedback without ever blocking or failing the conversation.
type Client struct {
	api     *apiclient.Client
	path    string
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	wg sync.WaitGroup
}

type Option func(*Client)

// WithRate limits submissions to r per second with the given burst.
func WithRate(r float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(api *apiclient.Client, path string, opts ...Option) *Client {
	if path == "" {
		path = DefaultPath
	}
	c := &Client{
		api:     api,
		path:    path,
		limiter: rate.NewLimiter(rate.Limit(2), 5),
		timeout: 10 * time.Second,
		log:     log.With().Str("component", "feedback").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func validate(messageID string, s Sentiment) error {
	if strings.TrimSpace(messageID) == "" {
		return ErrEmptyMessageID
	}
	if _, err := ParseSentiment(string(s)); err != nil {
		return err
	}
	return nil
}

// Submit posts one rating and returns the outcome. Callers that must not be
// disturbed by failures use SubmitAsync.
func (c *Client) Submit(ctx context.Context, messageID string, s Sentiment) error {
	if err := validate(messageID, s); err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.api.PostJSON(ctx, c.api.Endpoint(c.path, nil), request{MessageID: messageID, Sentiment: s}, nil)
	return errors.Wrap(err, "submit feedback")
}

// SubmitAsync validates the rating, then posts it in the background. Only
// validation errors are returned; delivery failures are logged and dropped.
func (c *Client) SubmitAsync(messageID string, s Sentiment) error {
	if err := validate(messageID, s); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.Submit(context.Background(), messageID, s)
		switch {
		case err == nil:
			c.metrics.Feedback("ok")
		case errors.Is(err, ErrRateLimited):
			c.metrics.Feedback("rate_limited")
			c.log.Debug().Str("message_id", messageID).Msg("feedback dropped by rate limiter")
		default:
			c.metrics.Feedback("error")
			c.log.Debug().Err(err).Str("message_id", messageID).Msg("feedback submission failed")
		}
	}()
	return nil
}

// Wait blocks until background submissions have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}
