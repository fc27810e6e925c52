// ABOUTME: OpenAIClient streams completions from an OpenAI-compatible endpoint via go-openai
// ABOUTME: Uses the selected provider's API key and converts chat messages into multi-part content

package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/chatgate/internal/chat"
)

// ErrMissingAPIKey is returned when the selected provider has no key configured.
var ErrMissingAPIKey = errors.New("no API key configured for provider")

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// BaseURLs maps provider ids to API base URLs. Providers not listed use
	// the client library default.
	BaseURLs     map[string]string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	HTTPClient   *http.Client
}

// OpenAIClient implements Client with go-openai.
type OpenAIClient struct {
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIClient creates a client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{cfg: cfg, logger: logger.With("component", "inference")}
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	key := req.Selection.APIKey()
	if key == "" {
		return nil, &chat.TransportError{Err: fmt.Errorf("%w: %s", ErrMissingAPIKey, req.Selection.ProviderID)}
	}

	clientConfig := openai.DefaultConfig(key)
	if base, ok := c.cfg.BaseURLs[req.Selection.ProviderID]; ok && base != "" {
		clientConfig.BaseURL = base
	}
	if c.cfg.HTTPClient != nil {
		clientConfig.HTTPClient = c.cfg.HTTPClient
	}
	client := openai.NewClientWithConfig(clientConfig)

	ccr := openai.ChatCompletionRequest{
		Model:         req.Selection.ModelID,
		MaxTokens:     c.cfg.MaxTokens,
		Temperature:   c.cfg.Temperature,
		Messages:      c.convertMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	c.logger.Debug("opening completion stream",
		"model", req.Selection.ModelID,
		"provider", req.Selection.ProviderID,
		"messages", len(req.Messages),
	)
	stream, err := client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, toTransportError(err)
	}
	return &openAIStream{stream: stream}, nil
}

func (c *OpenAIClient) convertMessages(msgs []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if c.cfg.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}

	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == chat.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		text := m.Text()
		if m.Role == chat.RoleUser {
			if _, _, rest, ok := chat.SplitPrefix(text); ok {
				text = rest
			}
		}

		images := m.Images()
		if len(images) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: text})
			continue
		}

		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
		for _, img := range images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img, Detail: openai.ImageURLDetailAuto},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

func toTransportError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &chat.TransportError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &chat.TransportError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &chat.TransportError{Err: err}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream

	mu       sync.Mutex
	usage    Usage
	hasUsage bool
}

// Recv implements Stream.
func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", toTransportError(err)
		}

		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			s.mu.Lock()
			s.usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
			s.hasUsage = true
			s.mu.Unlock()
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

// Usage implements UsageReporter.
func (s *openAIStream) Usage() (Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.hasUsage
}

// Close implements Stream.
func (s *openAIStream) Close() error {
	return s.stream.Close()
}
