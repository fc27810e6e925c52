// ABOUTME: Tests for the OpenAI-compatible inference client
// ABOUTME: Serves canned chat.completion.chunk events from an httptest server

package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/chat"
)

func chunk(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", content)
}

func TestOpenAIClient_Stream(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, chunk("Hel"))
		fmt.Fprint(w, chunk("lo"))
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURLs: map[string]string{"OpenAI": srv.URL + "/v1"}}, nil)
	req := testReq
	req.Messages = []chat.Message{{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("[Model: m]\n\n[Provider: OpenAI]\n\nhi")}}}

	s, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	defer s.Close()

	deltas, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)

	usage, ok := s.(UsageReporter).Usage()
	require.True(t, ok)
	assert.Equal(t, 6, usage.TotalTokens)

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].(map[string]any)["content"])
}

func TestOpenAIClient_MissingKey(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{}, nil)
	_, err := c.Stream(context.Background(), Request{Selection: chat.Selection{ProviderID: "Nope"}})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	var terr *chat.TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestOpenAIClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURLs: map[string]string{"OpenAI": srv.URL + "/v1"}}, nil)
	_, err := c.Stream(context.Background(), testReq)

	var terr *chat.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusTooManyRequests, terr.StatusCode)
}

func TestConvertMessages_Images(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{SystemPrompt: "be brief"}, nil)
	out := c.convertMessages([]chat.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("look"), chat.ImagePart("data:image/png;base64,AA")}},
		{Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("ok")}},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "system", out[0].Role)
	require.Len(t, out[1].MultiContent, 2)
	assert.Equal(t, "data:image/png;base64,AA", out[1].MultiContent[1].ImageURL.URL)
	assert.Equal(t, "ok", out[2].Content)
}
