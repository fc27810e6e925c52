// ABOUTME: GatewayClient streams completions from the backend's POST /send SSE endpoint
// ABOUTME: Parses text, usage, done and error events into Recv deltas

package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/2389/chatgate/internal/chat"
)

const maxEventSize = 1 << 20

// GatewayClient implements Client against the chatgate backend.
type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewGatewayClient creates a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewGatewayClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *GatewayClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
		logger:  logger.With("component", "inference"),
	}
}

// SendSelection is the selection as sent on the wire. Only the key of the
// selected provider leaves the client.
type SendSelection struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey,omitempty"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	ChatID       string          `json:"chatId,omitempty"`
	Selection    SendSelection   `json:"selection"`
	Content      []chat.Message  `json:"content"`
	ContextFlags map[string]bool `json:"contextFlags,omitempty"`
}

// Event payloads of the /send stream.
type (
	TextEvent struct {
		Text string `json:"text"`
	}
	ErrorEvent struct {
		Message string `json:"message"`
	}
)

// Stream implements Client.
func (c *GatewayClient) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(SendRequest{
		ChatID: req.ChatID,
		Selection: SendSelection{
			Model:    req.Selection.ModelID,
			Provider: req.Selection.ProviderID,
			APIKey:   req.Selection.APIKey(),
		},
		Content:      req.Messages,
		ContextFlags: req.ContextFlags,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return nil, &chat.TransportError{Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &chat.TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		terr := &chat.TransportError{StatusCode: resp.StatusCode}
		var errResp ErrorEvent
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") &&
			json.NewDecoder(resp.Body).Decode(&errResp) == nil {
			terr.Message = errResp.Message
		}
		if terr.Message == "" {
			terr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, terr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseStream{body: resp.Body, scanner: scanner, logger: c.logger}, nil
}

// sseStream reads the event stream of one /send call.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	mu       sync.Mutex
	usage    Usage
	hasUsage bool
	finished bool
}

// Recv implements Stream.
func (s *sseStream) Recv() (string, error) {
	if s.finished {
		return "", io.EOF
	}

	var eventType string
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// blank line ends the event
		if line == "" {
			if eventType == "" && len(dataLines) == 0 {
				continue
			}
			delta, done, err := s.handle(eventType, strings.Join(dataLines, "\n"))
			eventType, dataLines = "", nil
			if err != nil {
				s.finished = true
				return "", err
			}
			if done {
				s.finished = true
				return "", io.EOF
			}
			if delta != "" {
				return delta, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}

	s.finished = true
	if err := s.scanner.Err(); err != nil {
		return "", &chat.TransportError{Err: fmt.Errorf("reading stream: %w", err)}
	}
	return "", &chat.TransportError{Err: errors.New("stream ended without done event")}
}

func (s *sseStream) handle(eventType, data string) (delta string, done bool, err error) {
	switch eventType {
	case "text", "":
		var ev TextEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return "", false, &chat.TransportError{Err: fmt.Errorf("parsing text event: %w", err)}
		}
		return ev.Text, false, nil
	case "usage":
		var u Usage
		if err := json.Unmarshal([]byte(data), &u); err == nil {
			s.mu.Lock()
			s.usage, s.hasUsage = u, true
			s.mu.Unlock()
		}
		return "", false, nil
	case "done":
		return "", true, nil
	case "error":
		var ev ErrorEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Message == "" {
			ev.Message = data
		}
		return "", false, &chat.TransportError{Message: ev.Message}
	default:
		s.logger.Debug("ignoring unknown event", "event", eventType)
		return "", false, nil
	}
}

// Usage implements UsageReporter.
func (s *sseStream) Usage() (Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.hasUsage
}

// Close implements Stream.
func (s *sseStream) Close() error {
	return s.body.Close()
}
