// ABOUTME: Tests for the gateway SSE inference client
// ABOUTME: Drives the client with httptest servers emitting scripted event streams

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/chat"
)

func sseServer(t *testing.T, script string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, script)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	var deltas []string
	for {
		d, err := s.Recv()
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, d)
	}
}

var testReq = Request{
	ChatID:    "chat-1",
	Messages:  []chat.Message{{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hi")}}},
	Selection: chat.Selection{ModelID: "m", ProviderID: "OpenAI", APIKeys: map[string]string{"OpenAI": "sk-1", "Other": "sk-2"}},
}

func TestGatewayClient_StreamsDeltas(t *testing.T) {
	srv := sseServer(t, "event: text\ndata: {\"text\":\"Hel\"}\n\n"+
		": keepalive\n\n"+
		"event: text\ndata: {\"text\":\"lo\"}\n\n"+
		"event: usage\ndata: {\"promptTokens\":3,\"completionTokens\":2,\"totalTokens\":5}\n\n"+
		"event: done\ndata: {}\n\n")

	s, err := NewGatewayClient(srv.URL, "", nil, nil).Stream(context.Background(), testReq)
	require.NoError(t, err)
	defer s.Close()

	deltas, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)

	usage, ok := s.(UsageReporter).Usage()
	require.True(t, ok)
	assert.Equal(t, 5, usage.TotalTokens)

	// stays at EOF
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGatewayClient_SendsRequest(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer srv.Close()

	s, err := NewGatewayClient(srv.URL, "tok", nil, nil).Stream(context.Background(), testReq)
	require.NoError(t, err)
	_, err = drain(t, s)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "chat-1", got.ChatID)
	assert.Equal(t, SendSelection{Model: "m", Provider: "OpenAI", APIKey: "sk-1"}, got.Selection)
	require.Len(t, got.Content, 1)
	assert.Equal(t, "hi", got.Content[0].Text())
}

func TestGatewayClient_ErrorEvent(t *testing.T) {
	srv := sseServer(t, "event: text\ndata: {\"text\":\"a\"}\n\nevent: error\ndata: {\"message\":\"model overloaded\"}\n\n")

	s, err := NewGatewayClient(srv.URL, "", nil, nil).Stream(context.Background(), testReq)
	require.NoError(t, err)
	deltas, err := drain(t, s)

	assert.Equal(t, []string{"a"}, deltas)
	var terr *chat.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "model overloaded", terr.Message)
}

func TestGatewayClient_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer srv.Close()

	_, err := NewGatewayClient(srv.URL, "", nil, nil).Stream(context.Background(), testReq)
	var terr *chat.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusUnauthorized, terr.StatusCode)
	assert.Equal(t, "invalid token", terr.Message)
}

func TestGatewayClient_TruncatedStream(t *testing.T) {
	srv := sseServer(t, "event: text\ndata: {\"text\":\"a\"}\n\n")

	s, err := NewGatewayClient(srv.URL, "", nil, nil).Stream(context.Background(), testReq)
	require.NoError(t, err)
	_, err = drain(t, s)

	var terr *chat.TransportError
	assert.True(t, errors.As(err, &terr))
}

func TestGatewayClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewGatewayClient(url, "", nil, nil).Stream(context.Background(), testReq)
	var terr *chat.TransportError
	assert.ErrorAs(t, err, &terr)
}
