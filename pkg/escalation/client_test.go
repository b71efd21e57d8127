package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/apiclient"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	api, err := apiclient.New(srv.URL)
	require.NoError(t, err)
	return NewClient(api, "")
}

func TestInitiateSendsContext(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/handoff", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		_, _ = w.Write([]byte(`{"conversationId":"op-1","queuePosition":3,"etaMinutes":5,"message":"ok"}`))
	})

	res, err := c.Initiate(context.Background(), Request{
		Context: ConversationContext{
			PriorConversationID: "c-1",
			History: []timeline.Message{
				timeline.NewMessage(timeline.RoleUser, "oi"),
				timeline.NewMessage(timeline.RoleAssistant, ""),
			},
		},
		Reason: "keyword",
	})
	require.NoError(t, err)
	require.Equal(t, "op-1", res.ConversationID)
	require.NotNil(t, res.QueuePosition)
	require.Equal(t, 3, *res.QueuePosition)
	require.Equal(t, 5, *res.ETAMinutes)

	got := <-bodies
	require.Equal(t, "c-1", got["priorConversationId"])
	require.Equal(t, "keyword", got["reason"])
	require.Equal(t, DefaultChannel, got["channel"])
	history, ok := got["messageHistory"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
}

func TestInitiateOmitsEmptyOptionalFields(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		_, _ = w.Write([]byte(`{"conversationId":"op-1"}`))
	})

	res, err := c.Initiate(context.Background(), Request{})
	require.NoError(t, err)
	require.Nil(t, res.QueuePosition)
	require.Nil(t, res.ETAMinutes)
	got := <-bodies
	_, has := got["priorConversationId"]
	require.False(t, has)
	_, has = got["messageHistory"]
	require.False(t, has)
	require.Equal(t, DefaultReason, got["reason"])
}

func TestInitiateStructuredError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"no_operators","message":"nenhum atendente disponível"}}`))
	})

	_, err := c.Initiate(context.Background(), Request{})
	var apiErr *apiclient.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "no_operators", apiErr.Code)
}

func TestInitiateRequiresConversationID(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"queuePosition":1}`))
	})
	_, err := c.Initiate(context.Background(), Request{})
	require.True(t, errors.Is(err, ErrMissingConversationID))
}
