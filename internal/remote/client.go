// Package remote defines the client interface to the remote bookmark
// service and an HTTP implementation of it.
//
// The sync engine depends only on the Client interface; tests substitute
// in-memory fakes. Listings are always returned in ascending ID order,
// which is the item ordering checkpoints are written against.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Bookmark is a bookmark as reported by the remote service.
type Bookmark struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Archived    bool      `json:"archived"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Asset is a downloadable asset (snapshot, article body) for a bookmark.
type Asset struct {
	ContentType string
	Data        []byte
}

// Client is the remote bookmark service interface consumed by the engine.
type Client interface {
	// ListBookmarks returns the bookmark listing in ascending ID order.
	// A zero since returns the full listing; otherwise only bookmarks
	// updated after since are returned.
	ListBookmarks(ctx context.Context, since time.Time) ([]Bookmark, error)

	// FetchAsset downloads the asset for a bookmark.
	FetchAsset(ctx context.Context, bookmarkID int64) (*Asset, error)

	// PushReadStatus pushes local read state upstream.
	PushReadStatus(ctx context.Context, bookmarkID int64, read bool, progress float64) error
}

// ErrAuth indicates the remote rejected our credentials or configuration.
// It is fatal for the retry scheduler: no automatic retry is scheduled.
var ErrAuth = errors.New("remote authentication failed")

// HTTPClient talks to the remote service over its JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the service at baseURL, authenticating
// with token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListBookmarks implements Client.
func (c *HTTPClient) ListBookmarks(ctx context.Context, since time.Time) ([]Bookmark, error) {
	endpoint := c.baseURL + "/api/bookmarks"
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	var bookmarks []Bookmark
	if err := c.getJSON(ctx, endpoint, &bookmarks); err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}

	// The service returns ascending IDs already; keep the invariant even
	// if it doesn't.
	sort.Slice(bookmarks, func(i, j int) bool { return bookmarks[i].ID < bookmarks[j].ID })
	return bookmarks, nil
}

// FetchAsset implements Client.
func (c *HTTPClient) FetchAsset(ctx context.Context, bookmarkID int64) (*Asset, error) {
	endpoint := fmt.Sprintf("%s/api/bookmarks/%d/asset", c.baseURL, bookmarkID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch asset for bookmark %d: %w", bookmarkID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("failed to fetch asset for bookmark %d: %w", bookmarkID, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset body: %w", err)
	}

	return &Asset{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// PushReadStatus implements Client.
func (c *HTTPClient) PushReadStatus(ctx context.Context, bookmarkID int64, read bool, progress float64) error {
	endpoint := fmt.Sprintf("%s/api/bookmarks/%d/read", c.baseURL, bookmarkID)

	body := fmt.Sprintf(`{"read":%t,"progress":%g}`, read, progress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push read status for bookmark %d: %w", bookmarkID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("failed to push read status for bookmark %d: %w", bookmarkID, err)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (HTTP %d)", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// IsNetworkError classifies an error as network-recoverable for the retry
// scheduler. Auth/config errors are never recoverable.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"network", "fetch", "timeout", "timed out",
		"connection refused", "connection reset", "no such host",
		"temporarily unavailable", "eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
