package sync

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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/ulid"
)

// ErrEmptyRemoteID is returned when the server accepts a write without an id
var ErrEmptyRemoteID = errors.New("server returned an empty id")

// Client delivers outbox operations to the recipe service over HTTP
type Client struct {
	baseURL    string
	token      string
	deviceName string
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *loggy.Logger
	newBackOff func() backoff.BackOff
}

// NewClient creates a new HTTP client for the recipe service
func NewClient(cfg config.ServerConfig, logger *loggy.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		deviceName: cfg.DeviceName,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: newLimiter(cfg.RequestsPerMinute, cfg.BurstLimit),
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// newLimiter converts a requests-per-minute budget into a token bucket
func newLimiter(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, max(burst, 1))
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(burst, 1))
}

// SetToken updates the bearer token
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetDeviceName updates the device name sent with every request
func (c *Client) SetDeviceName(name string) {
	c.deviceName = name
}

// APIError represents an error response from the API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e *APIError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed
func (e *APIError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err should dead-letter an operation instead of
// leaving it pending
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDependencyFailed) || errors.Is(err, outbox.ErrInvalidPayload) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Permanent()
	}
	return false
}

// CreatePostRequest is the body of POST /api/posts
type CreatePostRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AuthorID    string   `json:"author_id"`
	Status      string   `json:"status"`
	MediaRefs   []string `json:"media_refs"`
}

// CreateCommentRequest is the body of POST /api/posts/{id}/comments
type CreateCommentRequest struct {
	AuthorID string `json:"author_id"`
	Body     string `json:"body"`
}

// PutReactionRequest is the body of PUT /api/posts/{id}/reactions
type PutReactionRequest struct {
	UserID   string `json:"user_id"`
	Reaction string `json:"reaction"`
}

// PutFavoriteRequest is the body of PUT /api/posts/{id}/favorite
type PutFavoriteRequest struct {
	UserID string `json:"user_id"`
}

// WriteResponse is returned by every write endpoint
type WriteResponse struct {
	ID string `json:"id"`
}

// Send delivers one operation and returns the server-assigned id. Operations
// that reference a queued post must be resolved with WithPostID first.
func (c *Client) Send(ctx context.Context, op *outbox.Operation) (string, error) {
	method, endpoint, body, err := c.route(op)
	if err != nil {
		return "", err
	}

	resp, err := c.sendRequest(ctx, method, endpoint, op.Key.String(), body)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", ErrEmptyRemoteID
	}
	return resp.ID, nil
}

func (c *Client) route(op *outbox.Operation) (method, endpoint string, body interface{}, err error) {
	if ref, ok := op.PostRef(); ok && ref.PostID == "" {
		return "", "", nil, fmt.Errorf("%w: post %d has no server id", ErrDependencyPending, ref.PostLocalID)
	}

	switch p := op.Payload.(type) {
	case *outbox.PostPayload:
		refs := p.MediaRefs
		if refs == nil {
			refs = []string{}
		}
		return http.MethodPost, c.baseURL + "/api/posts", &CreatePostRequest{
			Title:       p.Title,
			Description: p.Description,
			AuthorID:    p.AuthorID,
			Status:      string(p.Status),
			MediaRefs:   refs,
		}, nil
	case *outbox.CommentPayload:
		return http.MethodPost, c.postURL(p.Post.PostID, "comments"), &CreateCommentRequest{
			AuthorID: p.AuthorID,
			Body:     p.Body,
		}, nil
	case *outbox.ReactionPayload:
		return http.MethodPut, c.postURL(p.Post.PostID, "reactions"), &PutReactionRequest{
			UserID:   p.UserID,
			Reaction: p.Reaction,
		}, nil
	case *outbox.FavoritePayload:
		if p.Favorite {
			return http.MethodPut, c.postURL(p.Post.PostID, "favorite"), &PutFavoriteRequest{UserID: p.UserID}, nil
		}
		endpoint := c.postURL(p.Post.PostID, "favorite") + "?" + url.Values{"user_id": {p.UserID}}.Encode()
		return http.MethodDelete, endpoint, nil, nil
	default:
		return "", "", nil, fmt.Errorf("%w: kind %q", outbox.ErrUnknownKind, op.Kind)
	}
}

func (c *Client) postURL(postID, resource string) string {
	return fmt.Sprintf("%s/api/posts/%s/%s", c.baseURL, url.PathEscape(postID), resource)
}

// VerifyToken verifies if a token is valid
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/verify", nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	}
	return false, decodeAPIError(resp)
}

func (c *Client) setHeaders(req *http.Request, idempotencyKey string) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.deviceName != "" {
		req.Header.Set("X-Device-Name", c.deviceName)
	}
	req.Header.Set("X-Request-ID", ulid.RequestID().String())
	req.Header.Set("Content-Type", "application/json")
}

// sendRequest sends one write, retrying transient failures in place. The
// idempotency key stays the same across retries.
func (c *Client) sendRequest(ctx context.Context, method, endpoint, idempotencyKey string, body interface{}) (*WriteResponse, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	var (
		result  *WriteResponse
		attempt int
	)
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("waiting for rate limiter: %w", err))
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		c.setHeaders(req, idempotencyKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("Request failed", "method", method, "url", endpoint, "attempt", attempt, "error", err)
			return fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := decodeAPIError(resp)
			c.logger.Debug("Request rejected", "method", method, "url", endpoint, "attempt", attempt, "status", resp.StatusCode)
			if apiErr.Permanent() {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}

		var wr WriteResponse
		if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decoding response: %w", err)
		}
		result = &wr
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(max(c.maxRetries, 0))), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// decodeAPIError reads an error body, falling back to the status text
func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, apiErr); err != nil || (apiErr.Message == "" && apiErr.ErrorCode == "") {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
