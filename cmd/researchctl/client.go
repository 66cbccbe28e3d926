package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fyrsmithlabs/researchd/internal/events"
	researchhttp "github.com/fyrsmithlabs/researchd/internal/http"
)

// apiClient talks to the researchd HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, accept string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *string:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		*v = string(data)
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}

// decodeError extracts echo's {"message": ...} body when present.
func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return &apiError{Status: resp.StatusCode, Message: body.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

func (c *apiClient) Start(ctx context.Context, req researchhttp.StartRequest) (*researchhttp.StartResponse, error) {
	var resp researchhttp.StartResponse
	if err := c.do(ctx, http.MethodPost, "/research/start", req, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Status(ctx context.Context, id string) (*researchhttp.StatusResponse, error) {
	var resp researchhttp.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/research/status/"+url.PathEscape(id), nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report returns the Markdown report of a completed task.
func (c *apiClient) Report(ctx context.Context, id string) (string, error) {
	var report string
	if err := c.do(ctx, http.MethodGet, "/research/report/"+url.PathEscape(id), nil, "text/markdown", &report); err != nil {
		return "", err
	}
	return report, nil
}

func (c *apiClient) List(ctx context.Context) (*researchhttp.ListResponse, error) {
	var resp researchhttp.ListResponse
	if err := c.do(ctx, http.MethodGet, "/research/list", nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Health(ctx context.Context) (*researchhttp.HealthResponse, error) {
	var resp researchhttp.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch streams task events to fn until the task ends or ctx is done.
func (c *apiClient) Watch(ctx context.Context, id string, fn func(events.Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/research/stream/" + url.PathEscape(id)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &apiError{Status: resp.StatusCode, Message: "stream unavailable for task " + id}
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev events.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("event stream ended: %w", err)
		}
		fn(ev)
		if ev.Type.Terminal() {
			return nil
		}
	}
}
