package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"triangulum/internal/review"
	"triangulum/internal/types"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running `triangulum run`.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets addr, which may omit the scheme.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit files a bug and returns its ticket id.
func (c *Client) Submit(ctx context.Context, description string, severity int) (string, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/tickets", SubmitRequest{Description: description, Severity: severity}, &resp)
	return resp.ID, err
}

// Status returns the supervisor's current view.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp)
	return resp, err
}

// Outcomes returns up to limit recent outcomes.
func (c *Client) Outcomes(ctx context.Context, limit int) ([]types.Outcome, error) {
	var resp []types.Outcome
	err := c.do(ctx, http.MethodGet, "/v1/outcomes?limit="+strconv.Itoa(limit), nil, &resp)
	return resp, err
}

// Reviews returns items awaiting a decision.
func (c *Client) Reviews(ctx context.Context) ([]review.Item, error) {
	var resp []review.Item
	err := c.do(ctx, http.MethodGet, "/v1/reviews", nil, &resp)
	return resp, err
}

// Decide records a verdict for ticketID.
func (c *Client) Decide(ctx context.Context, ticketID string, v review.Verdict) (review.Item, error) {
	var resp review.Item
	err := c.do(ctx, http.MethodPost, "/v1/reviews/"+url.PathEscape(ticketID), DecideRequest{Verdict: v}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is `triangulum run` listening on %s? %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
