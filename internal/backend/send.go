// ABOUTME: POST /send streams an inference reply to entitled subjects as server-sent events
// ABOUTME: ScriptedClient is the built-in inference used when no upstream model is configured

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/store"
)

// handleSend answers POST /send.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		s.sendMessageError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	rec, err := s.store.GetEntitlement(r.Context(), claims.Subject)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("entitlement lookup failed", "subject", claims.Subject, "error", err)
		s.sendMessageError(w, http.StatusInternalServerError, "entitlement lookup failed")
		return
	}
	if rec == nil || !rec.Active {
		s.sendMessageError(w, http.StatusForbidden, "an active subscription is required")
		return
	}

	var req inference.SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.sendMessageError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Content) == 0 {
		s.sendMessageError(w, http.StatusBadRequest, "content is required")
		return
	}

	sel := chat.Selection{ModelID: req.Selection.Model, ProviderID: req.Selection.Provider}
	if req.Selection.APIKey != "" {
		sel.APIKeys = map[string]string{req.Selection.Provider: req.Selection.APIKey}
	}

	stream, err := s.client.Stream(r.Context(), inference.Request{
		ChatID:       req.ChatID,
		Messages:     req.Content,
		Selection:    sel,
		ContextFlags: req.ContextFlags,
	})
	if err != nil {
		s.logger.Warn("inference failed to start", "chat_id", req.ChatID, "error", err)
		s.sendMessageError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendMessageError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("streaming reply",
		"chat_id", req.ChatID,
		"subject", claims.Subject,
		"model", sel.ModelID,
		"provider", sel.ProviderID,
	)

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			s.logger.Warn("inference stream failed", "chat_id", req.ChatID, "error", err)
			s.writeSSEEvent(w, "error", inference.ErrorEvent{Message: streamErrorMessage(err)})
			flusher.Flush()
			return
		}
		s.writeSSEEvent(w, "text", inference.TextEvent{Text: delta})
		flusher.Flush()
	}

	if ur, ok := stream.(inference.UsageReporter); ok {
		if usage, ok := ur.Usage(); ok {
			s.writeSSEEvent(w, "usage", usage)
		}
	}
	s.writeSSEEvent(w, "done", struct{}{})
	flusher.Flush()
}

// sendMessageError writes the {"message": ...} body the chat client expects
// from /send.
func (s *Server) sendMessageError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, inference.ErrorEvent{Message: message})
}

// writeSSEEvent writes a server-sent event with JSON data.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func streamErrorMessage(err error) string {
	var terr *chat.TransportError
	if errors.As(err, &terr) && terr.Message != "" {
		return terr.Message
	}
	return err.Error()
}

// ScriptedClient answers every request by echoing the last user message back
// one word at a time. It needs no credentials.
type ScriptedClient struct {
	delay time.Duration
}

// NewScriptedClient creates a ScriptedClient that waits delay between words.
func NewScriptedClient(delay time.Duration) *ScriptedClient {
	return &ScriptedClient{delay: delay}
}

// Stream implements inference.Client.
func (c *ScriptedClient) Stream(ctx context.Context, req inference.Request) (inference.Stream, error) {
	idx := chat.LastUserIndex(req.Messages)
	if idx < 0 {
		return nil, &chat.TransportError{StatusCode: http.StatusBadRequest, Message: "no user message to answer"}
	}
	_, _, text, _ := chat.SplitPrefix(req.Messages[idx].Text())
	reply := ScriptedReply(text)

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Text()))
	}
	words := strings.SplitAfter(reply, " ")

	return &scriptedStream{
		ctx:   ctx,
		delay: c.delay,
		words: words,
		usage: inference.Usage{
			PromptTokens:     prompt,
			CompletionTokens: len(words),
			TotalTokens:      prompt + len(words),
		},
	}, nil
}

// ScriptedReply is the full text ScriptedClient streams for a user message.
func ScriptedReply(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "I did not catch that."
	}
	return "You said: " + text
}

type scriptedStream struct {
	ctx   context.Context
	delay time.Duration
	words []string
	usage inference.Usage

	mu   sync.Mutex
	next int
	done bool
}

func (s *scriptedStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.words) {
		s.done = true
		return "", io.EOF
	}
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-time.After(s.delay):
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}
	w := s.words[s.next]
	s.next++
	return w, nil
}

func (s *scriptedStream) Usage() (inference.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.done
}

func (s *scriptedStream) Close() error { return nil }
