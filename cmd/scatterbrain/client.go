package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/scatterbrain-app/scatterbrain/internal/config"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
)

type apiClient struct {
	baseURL    string
	token      string
	userID     string
	cacheTTL   time.Duration
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.APIToken == "" {
		return nil, fmt.Errorf("no API token found; start the server once with `scatterbrain start` to create one")
	}

	return &apiClient{
		baseURL:    cfg.Client.ServerURL,
		token:      cfg.Server.APIToken,
		userID:     cfg.Client.UserID,
		cacheTTL:   cfg.CacheTTL(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// synthesisClient returns a streaming client that shares this client's
// server, credentials and identity.
func (c *apiClient) synthesisClient(opts ...synthesis.Option) *synthesis.Client {
	base := []synthesis.Option{synthesis.WithToken(c.token), synthesis.WithUserID(c.userID)}
	if c.cacheTTL > 0 {
		base = append(base, synthesis.WithCacheTTL(c.cacheTTL))
	}
	return synthesis.NewClient(c.baseURL, append(base, opts...)...)
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

func (c *apiClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is scatterbrain running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

// upload posts a file as multipart form field "file".
func (c *apiClient) upload(ctx context.Context, path, filename string, content io.Reader) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// serverError is a non-2xx response from the API.
type serverError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *serverError) Error() string {
	if e.StatusCode == http.StatusPaymentRequired {
		return fmt.Sprintf("%s (run `scatterbrain upgrade` to raise your limits)", e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// parseServerError reads both error shapes the API produces: the
// {"error":{"message","type"}} envelope and the flat synthesis ErrorPayload.
func parseServerError(status int, body []byte) *serverError {
	e := &serverError{StatusCode: status}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		e.Type, e.Message = envelope.Error.Type, envelope.Error.Message
		return e
	}

	var flat synthesis.ErrorPayload
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		e.Type, e.Message = flat.Code, flat.Error
		if flat.Message != "" {
			e.Message = flat.Message
		}
		return e
	}

	e.Message = string(bytes.TrimSpace(body))
	return e
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return parseServerError(resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
