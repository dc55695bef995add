// Package remote binds the engine's RemoteStore interface to a plain HTTP
// blob endpoint: PUT /v1/items/{id} with the payload as the body.
package remote

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

	"driftsync/internal/config"
	"driftsync/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// HTTPError carries the status of a non-2xx upload response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Client implements domain.RemoteStore over HTTP with bearer-token auth.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  zerolog.Logger
}

// New builds a client from config. An empty token leaves the client
// unauthenticated; the engine then skips batch passes until credentials
// arrive via SetTokenSource.
func New(cfg config.RemoteConfig, logger zerolog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout()},
		logger:  logger,
	}
	if cfg.Token != "" {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	}
	return c
}

// SetTokenSource installs credentials after construction (token refresh,
// interactive login).
func (c *Client) SetTokenSource(ts oauth2.TokenSource) {
	c.tokens = ts
}

func (c *Client) Authenticated() bool {
	return c.tokens != nil
}

// Upload PUTs the payload and returns the remote identifier. Each attempt is
// a full re-upload; the idempotency key lets the server deduplicate retries
// of the same attempt.
func (c *Client) Upload(ctx context.Context, itemID string, meta domain.UploadMeta, payload []byte) (string, error) {
	if itemID == "" {
		return "", fmt.Errorf("item id is required")
	}

	endpoint := c.baseURL + "/v1/items/" + url.PathEscape(itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	req.Header.Set("X-Saved-At", meta.SavedAt.UTC().Format(time.RFC3339Nano))
	req.Header.Set("X-Attempt", strconv.Itoa(meta.Attempt))

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return "", fmt.Errorf("fetch token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", itemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var decoded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("upload response missing remote id")
	}
	return decoded.ID, nil
}
