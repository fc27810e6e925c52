// ABOUTME: HTTP TemplateClient for the backend's /templates/classify and /templates/expand routes
// ABOUTME: Maps HTTP 429 to ErrRateLimited so the bootstrapper can pick the right notice

package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/chatgate/internal/chat"
)

// HTTPClient implements TemplateClient over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a template client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// Classify implements TemplateClient.
func (c *HTTPClient) Classify(ctx context.Context, message string, sel chat.Selection) (Classification, error) {
	q := url.Values{}
	q.Set("message", message)
	q.Set("model", sel.ModelID)
	q.Set("provider", sel.ProviderID)

	var out Classification
	if err := c.get(ctx, "/templates/classify", q, &out); err != nil {
		return Classification{}, fmt.Errorf("classifying message: %w", err)
	}
	return out, nil
}

// Expand implements TemplateClient.
func (c *HTTPClient) Expand(ctx context.Context, template, title string) (Expansion, error) {
	q := url.Values{}
	q.Set("template", template)
	q.Set("title", title)

	var out Expansion
	if err := c.get(ctx, "/templates/expand", q, &out); err != nil {
		return Expansion{}, fmt.Errorf("expanding template %s: %w", template, err)
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
