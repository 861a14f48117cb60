package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/shoplist/internal/model"
)

var (
	// ErrNotFound is matched by API errors with status 404.
	ErrNotFound = errors.New("not found")
	// ErrConflict is matched by API errors with status 409.
	ErrConflict = errors.New("conflict")
	// ErrBadRequest is matched by API errors with status 400.
	ErrBadRequest = errors.New("bad request")
)

// APIError is a non-2xx answer from the list server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// Config holds list server connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the list server's REST API. It never retries; failures are
// returned to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. Timeout defaults to 10s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// CreateList creates an empty list and returns its id.
func (c *Client) CreateList(ctx context.Context) (string, error) {
	var resp struct {
		ListID string `json:"listId"`
	}
	if err := c.do(ctx, http.MethodPost, "/lists", nil, &resp); err != nil {
		return "", fmt.Errorf("create list: %w", err)
	}
	if resp.ListID == "" {
		return "", errors.New("create list: empty listId in response")
	}
	return resp.ListID, nil
}

// ListItems returns the list's items, most recently updated first.
func (c *Client) ListItems(ctx context.Context, listID string) ([]model.Item, error) {
	var resp struct {
		Items []model.Item `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/lists/"+url.PathEscape(listID), nil, &resp); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if resp.Items == nil {
		resp.Items = []model.Item{}
	}
	return resp.Items, nil
}

// CreateItem creates an item in the list.
func (c *Client) CreateItem(ctx context.Context, listID string, item model.NewItem) (*model.Item, error) {
	var resp struct {
		Item model.Item `json:"item"`
	}
	if err := c.do(ctx, http.MethodPost, itemsPath(listID), item, &resp); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return &resp.Item, nil
}

// UpdateItem patches an existing item. It fails with ErrNotFound when the
// item does not exist in the list.
func (c *Client) UpdateItem(ctx context.Context, listID, itemID string, patch model.ItemPatch) (*model.Item, error) {
	var resp struct {
		Item model.Item `json:"item"`
	}
	if err := c.do(ctx, http.MethodPatch, itemPath(listID, itemID), patch, &resp); err != nil {
		return nil, fmt.Errorf("update item %s: %w", itemID, err)
	}
	return &resp.Item, nil
}

// DeleteItem deletes an item from the list.
func (c *Client) DeleteItem(ctx context.Context, listID, itemID string) error {
	if err := c.do(ctx, http.MethodDelete, itemPath(listID, itemID), nil, nil); err != nil {
		return fmt.Errorf("delete item %s: %w", itemID, err)
	}
	return nil
}

func itemsPath(listID string) string {
	return "/lists/" + url.PathEscape(listID) + "/items"
}

func itemPath(listID, itemID string) string {
	return itemsPath(listID) + "/" + url.PathEscape(itemID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
