// Package backend is the HTTP+JSON client for the book backend: paged text,
// cover downloads and probes, batch cover-cache rebuilds and session cancellation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

// StatusError is returned when the backend answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// Config configures a Client
type Config struct {
	BaseURL string
	Timeout time.Duration

	// RebuildAttempts bounds retries of the batch rebuild call on transport or 5xx failures
	RebuildAttempts uint
	RebuildDelay    time.Duration

	// Transport overrides the HTTP transport, mostly for tests
	Transport http.RoundTripper

	// Observe is called with the duration of every backend call
	Observe func(operation string, duration time.Duration)

	Logger *logrus.Logger
}

// Client is an HTTP client for the book backend
type Client struct {
	baseURL         string
	httpClient      *http.Client
	rebuildAttempts uint
	rebuildDelay    time.Duration
	observe         func(string, time.Duration)
	log             *logrus.Logger
}

// NewClient creates a new backend client
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RebuildAttempts < 1 {
		config.RebuildAttempts = 1
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	// Prepare backend HTTP client
	httpClient := &http.Client{Timeout: config.Timeout}
	if config.Transport != nil {
		httpClient.Transport = config.Transport
	} else {
		httpClient.Transport = &http.Transport{
			MaxIdleConns:    10,
			IdleConnTimeout: 60 * time.Second,
		}
	}

	return &Client{
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		httpClient:      httpClient,
		rebuildAttempts: config.RebuildAttempts,
		rebuildDelay:    config.RebuildDelay,
		observe:         config.Observe,
		log:             config.Logger,
	}
}

func (c *Client) track(operation string, start time.Time) {
	if c.observe != nil {
		c.observe(operation, time.Since(start))
	}
}

// FetchPage requests one page of a book's text. An out-of-range page is not a
// transport error: the backend's message is returned in PageResponse.Error.
func (c *Client) FetchPage(ctx context.Context, bookID string, page int, sessionID string) (*PageResponse, error) {
	defer c.track("page_fetch", time.Now())

	// Prepare query
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if sessionID != "" {
		query.Set("session_id", sessionID)
	}
	path := "/pdf-text/" + url.PathEscape(bookID) + "?" + query.Encode()

	// Send request
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Backend reports page errors in the JSON body, sometimes with a 4xx status
	var pageResponse PageResponse
	if err := json.Unmarshal(body, &pageResponse); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 400 && pageResponse.Error == "" {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &pageResponse, nil
}

// RebuildCoverCache asks the backend to place the given covers in its disk
// cache and returns the ids it could not satisfy
func (c *Client) RebuildCoverCache(ctx context.Context, bookIDs []string) ([]string, error) {
	defer c.track("cover_rebuild", time.Now())

	var result RebuildResponse
	err := retry.Do(
		func() error {
			err := c.post(ctx, "/covers/rebuild-cache", RebuildRequest{BookIDs: bookIDs}, &result)
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.rebuildAttempts),
		retry.Delay(c.rebuildDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithFields(logrus.Fields{"event": "retry", "attempt": n + 1, "error": err}).Warnf("Cover rebuild failed, retrying: %v", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result.MissingIDs, nil
}

// FetchCover downloads a cover image. Any HTTP status is returned as data.
func (c *Client) FetchCover(ctx context.Context, bookID string) (*CoverResponse, error) {
	defer c.track("cover_fetch", time.Now())

	resp, err := c.do(ctx, http.MethodGet, "/covers/"+url.PathEscape(bookID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cover: %w", err)
	}

	return &CoverResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// ProbeCover checks whether the backend can serve a cover without downloading it
func (c *Client) ProbeCover(ctx context.Context, bookID string) (bool, error) {
	defer c.track("cover_probe", time.Now())

	var status CoverStatus
	if err := c.get(ctx, "/covers/"+url.PathEscape(bookID)+"?status=1", &status); err != nil {
		return false, err
	}
	return status.Status == "valid", nil
}

// CancelSession tells the backend to abandon background work of the given kind
func (c *Client) CancelSession(ctx context.Context, sessionID string, kind string) error {
	defer c.track("cancel_session", time.Now())

	return c.post(ctx, "/cancel-session", CancelRequest{SessionID: sessionID, Type: kind}, nil)
}

// CoverDiskURL is the stable URL under which the backend serves its disk-cached cover
func (c *Client) CoverDiskURL(bookID string) string {
	return c.baseURL + "/cover-cache/" + url.PathEscape(bookID) + ".jpg"
}

func (c *Client) do(ctx context.Context, method string, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, result)
}

func (c *Client) handleResponse(resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
