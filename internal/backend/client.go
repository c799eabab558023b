// Package backend talks to the external text-to-speech service. The service
// owns synthesis, auth and rule persistence; this client only consumes its
// REST surface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/autovoice/autovoice-core/internal/config"
)

// TokenSource supplies the bearer token for authenticated calls. An empty
// token means the request goes out unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

// APIError is a non-2xx response decoded from the service's error body.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *slog.Logger
}

func New(cfg config.BackendConfig, tokens TokenSource, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
		},
		tokens: tokens,
		log:    log.With(slog.String("component", "backend-client")),
	}
}

type textPayload struct {
	Text string `json:"text"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type tokenBody struct {
	AccessToken string `json:"access_token"`
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Stream starts synthesis for text and returns the chunked MP3 body. The
// caller owns the reader and must close it; cancelling ctx aborts the
// transfer mid-stream. The stream is not subject to the client-wide request
// timeout.
func (c *Client) Stream(ctx context.Context, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(textPayload{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	// http.Client.Timeout would cap the whole transfer; streams run until
	// ctx says otherwise.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// Synthesize converts text in one call and returns the complete WAV buffer.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(textPayload{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/text", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(loginPayload{Username: username, Password: password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}
	var token tokenBody
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode login reply: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("login reply missing access token")
	}
	return token.AccessToken, nil
}

// Health probes the service liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens(ctx)
	if err != nil {
		c.log.Warn("token lookup failed, sending unauthenticated", slog.String("error", err.Error()))
		return nil
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// decodeError turns an error response into an APIError, extracting the
// service's detail field when the body carries one.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return apiErr
	}
	var parsed errorBody
	if err := json.Unmarshal(raw, &parsed); err == nil && len(parsed.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(parsed.Detail, &detail); err == nil {
			apiErr.Detail = detail
		} else {
			apiErr.Detail = string(parsed.Detail)
		}
		return apiErr
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		apiErr.Detail = trimmed
	}
	return apiErr
}
