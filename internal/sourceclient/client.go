// Package sourceclient talks to the source mailbox's REST mail API: lists
// folders, paginates messages, and streams raw MIME bytes to local storage.
// Credential acquisition itself is an external collaborator (spec §1); this
// package only consumes bearer tokens a TokenProvider hands it.
package sourceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

const (
	// pageSize requests the server maximum per spec §4.2.
	pageSize = 999

	// throttledMarker is the body marker that classifies a response as
	// throttled regardless of HTTP status (spec §4.2).
	throttledMarker = "ApplicationThrottled"
)

// TokenProvider yields a bearer token for the source mailbox. Acquisition
// (OAuth device flow, client credentials, cached refresh, ...) is out of
// scope (spec §1); the driver wires in a concrete implementation.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Folder is one node of the source mailbox's folder hierarchy.
type Folder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	ParentID    string `json:"parentFolderId"`
	ChildCount  int    `json:"childFolderCount"`
}

// Client is a hand-written REST client for the source mailbox API. It does
// not enforce inter-request pacing itself (spec §4.2: "this is enforced by
// the Scheduler, not inside the client").
type Client struct {
	baseURL    string
	mailbox    string
	tokens     TokenProvider
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (timeouts, transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the default retry budget and delay.
func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = retryDelay
	}
}

// New builds a Client for mailbox, rooted at baseURL (e.g. the Graph mail
// API root for one tenant).
func New(baseURL, mailbox string, tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		mailbox:    mailbox,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 5,
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type folderPage struct {
	Value    []Folder `json:"value"`
	NextLink string   `json:"@odata.nextLink"`
}

// ListRootFolders lists the mailbox's top-level mail folders, paginating
// through @odata.nextLink until exhausted (spec §4.2).
func (c *Client) ListRootFolders(ctx context.Context) ([]Folder, error) {
	url := fmt.Sprintf("%s/users/%s/mailFolders?$top=%d&$expand=childFolders($select=id)", c.baseURL, c.mailbox, pageSize)
	return c.listFolderPages(ctx, url)
}

// ListChildFolders lists parent's immediate children, paginated the same
// way as ListRootFolders. Each page expands children by one level so a
// caller's walker knows whether to descend (spec §4.2).
func (c *Client) ListChildFolders(ctx context.Context, parentID string) ([]Folder, error) {
	url := fmt.Sprintf("%s/users/%s/mailFolders/%s/childFolders?$top=%d&$expand=childFolders($select=id)", c.baseURL, c.mailbox, parentID, pageSize)
	return c.listFolderPages(ctx, url)
}

func (c *Client) listFolderPages(ctx context.Context, startURL string) ([]Folder, error) {
	var all []Folder
	next := startURL
	for next != "" {
		var page folderPage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

// MessageMeta is one message's identity within a folder listing, enough to
// drive a download without fetching the full MIME body up front.
type MessageMeta struct {
	ID string `json:"id"`
}

type messagePage struct {
	Value    []MessageMeta `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// ListMessages lists folderID's messages (id only), paginating through
// @odata.nextLink the same way folder listings do (spec §4.2).
func (c *Client) ListMessages(ctx context.Context, folderID string) ([]MessageMeta, error) {
	next := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?$top=%d&$select=id", c.baseURL, c.mailbox, folderID, pageSize)
	var all []MessageMeta
	for next != "" {
		var page messagePage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

// DownloadMessage streams messageId's raw MIME representation from folderId
// to destPath. A zero-byte or empty response is treated as a failure and
// the partial file is removed (spec §4.2).
func (c *Client) DownloadMessage(ctx context.Context, folderID, messageID, destPath string) error {
	url := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages/%s/$value", c.baseURL, c.mailbox, folderID, messageID)

	var written int64
	err := c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return migrateerr.New(migrateerr.Internal, "sourceclient.DownloadMessage", err)
		}
		if err := c.authorize(ctx, req); err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return migrateerr.New(migrateerr.Transport, "sourceclient.DownloadMessage", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return migrateerr.New(migrateerr.Transport, "sourceclient.DownloadMessage", err)
		}
		if classifyErr := classifyStatus(resp.StatusCode, body); classifyErr != nil {
			return classifyErr
		}
		if len(body) == 0 {
			return migrateerr.New(migrateerr.Integrity, "sourceclient.DownloadMessage", fmt.Errorf("empty message body"))
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return migrateerr.New(migrateerr.Internal, "sourceclient.DownloadMessage", err)
		}
		if err := os.WriteFile(destPath, body, 0o644); err != nil {
			return migrateerr.New(migrateerr.Internal, "sourceclient.DownloadMessage", err)
		}
		written = int64(len(body))
		return nil
	})
	if err != nil {
		_ = os.Remove(destPath)
		return err
	}
	if written == 0 {
		_ = os.Remove(destPath)
		return migrateerr.New(migrateerr.Integrity, "sourceclient.DownloadMessage", fmt.Errorf("zero-size download"))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return migrateerr.New(migrateerr.Internal, "sourceclient.getJSON", err)
		}
		req.Header.Set("ConsistencyLevel", "eventual")
		if err := c.authorize(ctx, req); err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return migrateerr.New(migrateerr.Transport, "sourceclient.getJSON", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return migrateerr.New(migrateerr.Transport, "sourceclient.getJSON", err)
		}
		if classifyErr := classifyStatus(resp.StatusCode, body); classifyErr != nil {
			return classifyErr
		}
		if err := json.Unmarshal(body, out); err != nil {
			return migrateerr.New(migrateerr.Internal, "sourceclient.getJSON", fmt.Errorf("decode %s: %w", url, err))
		}
		return nil
	})
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return migrateerr.New(migrateerr.AuthFailed, "sourceclient.authorize", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// classifyStatus turns an HTTP status and body into a classified error, or
// nil if the response is a success. Throttling is recognized by the body
// marker rather than the status code alone, per spec §4.2.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		if bytes.Contains(body, []byte(throttledMarker)) {
			return migrateerr.New(migrateerr.Throttled, "sourceclient", fmt.Errorf("status %d: %s", status, truncate(body)))
		}
		return nil
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return migrateerr.New(migrateerr.AuthFailed, "sourceclient", fmt.Errorf("status %d", status))
	}
	if status == http.StatusNotFound {
		return migrateerr.New(migrateerr.NotFound, "sourceclient", fmt.Errorf("status %d", status))
	}
	if status == http.StatusTooManyRequests || bytes.Contains(body, []byte(throttledMarker)) {
		return migrateerr.New(migrateerr.Throttled, "sourceclient", fmt.Errorf("status %d: %s", status, truncate(body)))
	}
	return migrateerr.New(migrateerr.Transport, "sourceclient", fmt.Errorf("status %d: %s", status, truncate(body)))
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// doWithRetry runs fn, retrying on THROTTLED and TRANSPORT classifications
// up to maxRetries with backoff; AUTH_FAILED aborts immediately (spec §4.2,
// §7).
func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    c.retryDelay,
		Max:    c.retryDelay * 10,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		kind := migrateerr.KindOf(err)
		if !kind.Retryable() {
			return err
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}
