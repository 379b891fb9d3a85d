package dialogue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap/zaptest"
)

func newAssistantServer(t *testing.T, mux *http.ServeMux) *AssistantClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := openai.DefaultConfig("test-key")
	config.BaseURL = srv.URL + "/v1"
	client, err := NewAssistantClientWithConfig(config, "asst_1", "gpt-4o-mini", zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func TestNewAssistantClient_RequiresAssistant(t *testing.T) {
	_, err := NewAssistantClient("key", "", "", nil)
	assert.Error(t, err)
}

func TestAssistantClient_StartAndResume(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/threads", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"id":"thread_1","object":"thread"}`))
	})
	mux.HandleFunc("/v1/threads/thread_1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"id":"thread_1","object":"thread"}`))
	})
	client := newAssistantServer(t, mux)

	conversation, err := client.StartConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_1", conversation.ID)

	resumed, err := client.ResumeConversation(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, conversation, resumed)

	_, err = client.ResumeConversation(context.Background(), models.Conversation{})
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestAssistantClient_PostActivityCreatesRun(t *testing.T) {
	var message openai.MessageRequest
	var run openai.RunRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&message))
		_, _ = w.Write([]byte(`{"id":"msg_1","role":"user"}`))
	})
	mux.HandleFunc("/v1/threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&run))
		_, _ = w.Write([]byte(`{"id":"run_1","status":"queued"}`))
	})
	client := newAssistantServer(t, mux)

	id, err := client.PostActivity(context.Background(), "thread_1", models.Activity{
		From: models.Account{ID: "u1", Name: "alice"},
		Text: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "run_1", id)
	assert.Equal(t, openai.ChatMessageRoleUser, message.Role)
	assert.Equal(t, "hi", message.Content)
	assert.Equal(t, "alice", message.Metadata["from_name"])
	assert.Equal(t, "asst_1", run.AssistantID)
	assert.Equal(t, "gpt-4o-mini", run.Model)
}

func TestAssistantClient_FetchActivities(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "msg_0", r.URL.Query().Get("after"))
		assert.Equal(t, "asc", r.URL.Query().Get("order"))
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [
				{"id":"msg_1","role":"user","created_at":1714557600,"metadata":{"from_id":"u1","from_name":"alice"},
				 "content":[{"type":"text","text":{"value":"hi"}}]},
				{"id":"msg_2","role":"assistant","run_id":"run_1","created_at":1714557601,
				 "content":[{"type":"text","text":{"value":"hello"}}]},
				{"id":"msg_3","role":"assistant","run_id":"run_2","created_at":1714557602,"content":[]}
			]
		}`))
	})
	client := newAssistantServer(t, mux)

	set, err := client.FetchActivities(context.Background(), "thread_1", "msg_0")
	require.NoError(t, err)

	require.Len(t, set.Activities, 2, "the message still being written is left for later")
	assert.Equal(t, "msg_2", set.Watermark)

	user := set.Activities[0]
	assert.False(t, user.IsBotReply())
	assert.Equal(t, "alice", user.From.Name)

	reply := set.Activities[1]
	assert.True(t, reply.IsBotReply())
	assert.Equal(t, "run_1", reply.ReplyToID)
	assert.Equal(t, "hello", reply.Text)
	assert.Equal(t, "thread_1", reply.ConversationID)
}

func TestAssistantClient_FetchKeepsWatermarkWhenNothingNew(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	})
	client := newAssistantServer(t, mux)

	set, err := client.FetchActivities(context.Background(), "thread_1", "msg_9")
	require.NoError(t, err)
	assert.Empty(t, set.Activities)
	assert.Equal(t, "msg_9", set.Watermark)
}
