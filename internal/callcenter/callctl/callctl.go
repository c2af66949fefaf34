// Package callctl talks to the PBX call-control service for caller identity
// and operator transfer.
package callctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownCall is returned when the control service has no record of the call.
var ErrUnknownCall = errors.New("callctl: unknown call")

// Controller resolves caller identity and hands calls to operators.
type Controller interface {
	CallerID(ctx context.Context, callID string) (string, error)
	Transfer(ctx context.Context, callID, reason string) error
}

// CallerResponse is the body of GET /calls/{id}/caller.
type CallerResponse struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
}

// TransferRequest is the body of POST /calls/{id}/transfer.
type TransferRequest struct {
	Reason string `json:"reason"`
}

// Client is an HTTP client for the call-control service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the service base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CallerID fetches the caller number for a call.
func (c *Client) CallerID(ctx context.Context, callID string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.callPath(callID, "caller"), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var caller CallerResponse
	if err := json.NewDecoder(resp.Body).Decode(&caller); err != nil {
		return "", fmt.Errorf("decode caller: %w", err)
	}
	return caller.CallerID, nil
}

// Transfer asks the PBX to hand the call to an operator.
func (c *Client) Transfer(ctx context.Context, callID, reason string) error {
	body, err := json.Marshal(TransferRequest{Reason: reason})
	if err != nil {
		return fmt.Errorf("encode transfer: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.callPath(callID, "transfer"), body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) callPath(callID, action string) string {
	return "/calls/" + url.PathEscape(callID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrUnknownCall
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

// Noop is used when no call-control service is configured. Caller identity
// is unknown and transfers are only logged.
type Noop struct{}

// CallerID implements Controller
func (Noop) CallerID(context.Context, string) (string, error) { return "", nil }

// Transfer implements Controller
func (Noop) Transfer(_ context.Context, callID, reason string) error {
	slog.Info("[CallCtl] Transfer requested, no call-control service configured", "call_id", callID, "reason", reason)
	return nil
}
