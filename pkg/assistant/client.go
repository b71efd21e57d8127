// Package assistant talks to the automated assistant endpoint and folds its
// token-delta stream into a single growing timeline message.
package assistant

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/apiclient"
)

var ErrNoConversation = errors.New("assistant: endpoint returned no conversation id")

const (
	DefaultConversationPath = "/assistant/conversation"
	DefaultMessagesPath     = "/assistant/conversations/{id}/messages"
)

type Paths struct {
	Conversation string
	Messages     string
}

func DefaultPaths() Paths {
	return Paths{Conversation: DefaultConversationPath, Messages: DefaultMessagesPath}
}

// Client wraps the two assistant operations of the remote API.
type Client struct {
	api   *apiclient.Client
	paths Paths
}

func NewClient(api *apiclient.Client, paths Paths) *Client {
	def := DefaultPaths()
	if paths.Conversation == "" {
		paths.Conversation = def.Conversation
	}
	if paths.Messages == "" {
		paths.Messages = def.Messages
	}
	return &Client{api: api, paths: paths}
}

// Conversation obtains, or resumes, the assistant-side conversation id.
func (c *Client) Conversation(ctx context.Context) (string, error) {
	var out struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.api.GetJSON(ctx, c.api.Endpoint(c.paths.Conversation, nil), &out); err != nil {
		return "", errors.Wrap(err, "assistant conversation")
	}
	id := strings.TrimSpace(out.ConversationID)
	if id == "" {
		return "", ErrNoConversation
	}
	return id, nil
}

type streamRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

// Stream posts text and returns a reader over the framed answer. The caller
// closes the reader.
func (c *Client) Stream(ctx context.Context, conversationID, text string) (*FrameReader, error) {
	endpoint := c.api.Endpoint(c.paths.Messages, map[string]string{"id": conversationID})
	resp, err := c.api.Do(ctx, http.MethodPost, endpoint,
		streamRequest{Message: text, Stream: true},
		"text/event-stream, application/x-ndjson")
	if err != nil {
		return nil, errors.Wrap(err, "assistant stream")
	}
	return NewFrameReader(resp.Body), nil
}
