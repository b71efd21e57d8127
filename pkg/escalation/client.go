// Package escalation calls the remote handoff endpoint that places a conversation
// in the human operators' queue.
package escalation

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/apiclient"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

const (
	DefaultPath    = "/handoff"
	DefaultChannel = "chat"
	DefaultReason  = "user_request"
)

var ErrMissingConversationID = errors.New("escalation: response carries no conversationId")

// ConversationContext is what the operator receives to pick up the conversation.
// An empty PriorConversationID means the assistant was never reachable.
type ConversationContext struct {
	PriorConversationID string
	History             []timeline.Message
}

type Request struct {
	Context ConversationContext
	Reason  string
	Channel string
}

// Result is the queue placement of an accepted handoff.
type Result struct {
	ConversationID string `json:"conversationId"`
	QueuePosition  *int   `json:"queuePosition,omitempty"`
	ETAMinutes     *int   `json:"etaMinutes,omitempty"`
	Message        string `json:"message,omitempty"`
}

type historyEntry struct {
	Role      timeline.Role `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
}

type wireRequest struct {
	PriorConversationID string         `json:"priorConversationId,omitempty"`
	Reason              string         `json:"reason"`
	MessageHistory      []historyEntry `json:"messageHistory,omitempty"`
	Channel             string         `json:"channel"`
}

type Client struct {
	api  *apiclient.Client
	path string
}

func NewClient(api *apiclient.Client, path string) *Client {
	if path == "" {
		path = DefaultPath
	}
	return &Client{api: api, path: path}
}

func (c *Client) Initiate(ctx context.Context, req Request) (*Result, error) {
	body := wireRequest{
		PriorConversationID: req.Context.PriorConversationID,
		Reason:              req.Reason,
		Channel:             req.Channel,
	}
	if body.Reason == "" {
		body.Reason = DefaultReason
	}
	if body.Channel == "" {
		body.Channel = DefaultChannel
	}
	for _, m := range req.Context.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		body.MessageHistory = append(body.MessageHistory, historyEntry{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}

	var res Result
	if err := c.api.PostJSON(ctx, c.api.Endpoint(c.path, nil), body, &res); err != nil {
		return nil, errors.Wrap(err, "initiate handoff")
	}
	res.ConversationID = strings.TrimSpace(res.ConversationID)
	if res.ConversationID == "" {
		return nil, ErrMissingConversationID
	}
	return &res, nil
}
