// ABOUTME: HTTP implementation of Lookup against the backend's /entitlement and /register routes
// ABOUTME: Any transport failure, non-2xx status or server-reported error fails closed

package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HTTPClient talks to the entitlement endpoints of the backend.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL. token is sent as a bearer
// credential when non-empty. A nil httpClient uses http.DefaultClient.
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

type entitlementResponse struct {
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

type registerRequest struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
}

// Active implements Lookup.
func (c *HTTPClient) Active(ctx context.Context, subject string) (bool, error) {
	u := fmt.Sprintf("%s/entitlement?subject=%s", c.baseURL, url.QueryEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("%w: creating request: %v", ErrLookupFailed, err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: server returned status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body entitlementResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("%w: parsing response: %v", ErrLookupFailed, err)
	}
	if body.Error != "" {
		return false, fmt.Errorf("%w: %s", ErrLookupFailed, body.Error)
	}
	return body.Active, nil
}

// Register implements Lookup.
func (c *HTTPClient) Register(ctx context.Context, subject, email string) error {
	payload, err := json.Marshal(registerRequest{Subject: subject, Email: email})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("registering subject: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
