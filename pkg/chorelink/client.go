// Package chorelink is a Go SDK for the chore-trader HTTP API.
package chorelink

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
)

// Client provides a Go SDK for interacting with the chore-trader API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new chore-trader API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chorelink: %d %s", e.StatusCode, e.Message)
}

// Place submits a chore directly to the broker.
func (c *Client) Place(ctx context.Context, req PlaceRequest) (string, error) {
	var resp PlaceResponse
	if err := c.do(ctx, http.MethodPost, "/api/chores", req, &resp); err != nil {
		return "", err
	}
	return resp.ChoreID, nil
}

// Amend replaces a live chore's price and/or quantity and returns the id
// the chore is now known by.
func (c *Client) Amend(ctx context.Context, choreID string, req AmendRequest) (string, error) {
	var resp PlaceResponse
	if err := c.do(ctx, http.MethodPatch, "/api/chores/"+url.PathEscape(choreID), req, &resp); err != nil {
		return "", err
	}
	return resp.ChoreID, nil
}

// Cancel requests cancellation of a live chore.
func (c *Client) Cancel(ctx context.Context, choreID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chores/"+url.PathEscape(choreID), nil, nil)
}

// Status returns the engine's view of a chore.
func (c *Client) Status(ctx context.Context, choreID string) (ChoreStatus, error) {
	var st ChoreStatus
	err := c.do(ctx, http.MethodGet, "/api/chores/"+url.PathEscape(choreID), nil, &st)
	return st, err
}

// Open lists the ids of chores still live.
func (c *Client) Open(ctx context.Context) ([]string, error) {
	var resp OpenChores
	if err := c.do(ctx, http.MethodGet, "/api/chores", nil, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// CancelChores cancels the given chores, or every open chore when ids is
// empty.
func (c *Client) CancelChores(ctx context.Context, ids []string) (BatchCancelResult, error) {
	var res BatchCancelResult
	err := c.do(ctx, http.MethodPost, "/api/chores/cancel", BatchCancelRequest{IDs: ids}, &res)
	return res, err
}

// AddToBasket hands a chore to the basket manager and returns its ref.
func (c *Client) AddToBasket(ctx context.Context, req PlaceRequest) (string, error) {
	var resp BasketResponse
	if err := c.do(ctx, http.MethodPost, "/api/basket", req, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// Basket lists the managed chores.
func (c *Client) Basket(ctx context.Context) ([]BasketChore, error) {
	var out []BasketChore
	err := c.do(ctx, http.MethodGet, "/api/basket", nil, &out)
	return out, err
}

// AmendBasket queues an amendment of a managed chore.
func (c *Client) AmendBasket(ctx context.Context, ref string, req AmendRequest) error {
	return c.do(ctx, http.MethodPatch, "/api/basket/"+url.PathEscape(ref), req, nil)
}

// CancelBasket queues cancellation of a managed chore.
func (c *Client) CancelBasket(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/api/basket/"+url.PathEscape(ref), nil, nil)
}

// Kill triggers the kill switch.
func (c *Client) Kill(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodPost, "/api/killswitch", nil, &st)
	return st, err
}

// Revoke lifts the kill switch.
func (c *Client) Revoke(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodDelete, "/api/killswitch", nil, &st)
	return st, err
}

// State returns the trader's phase and kill-switch flag.
func (c *Client) State(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
