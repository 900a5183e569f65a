package collect

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

	"github.com/shopwatch/prodstore/internal/prodstore"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// PersistRequest mirrors the store server's persist payload.
type PersistRequest struct {
	Record       json.RawMessage     `json:"record"`
	RawPayload   json.RawMessage     `json:"rawPayload,omitempty"`
	Manifest     *prodstore.Manifest `json:"manifest,omitempty"`
	Observations json.RawMessage     `json:"observations,omitempty"`
}

type FetchResponse struct {
	Results []prodstore.DownloadResult `json:"results"`
	Count   int                        `json:"count"`
}

// Client talks to a prodstore server, retrying transient failures with
// exponential backoff and honoring Retry-After on throttled responses.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) PersistEntity(ctx context.Context, entityID string, req PersistRequest) error {
	return c.doJSON(ctx, http.MethodPost, entityPath(entityID, "persist"), req, nil)
}

func (c *Client) Diff(ctx context.Context, entityID string) (prodstore.Delta, error) {
	var out prodstore.Delta
	err := c.doJSON(ctx, http.MethodPost, entityPath(entityID, "media/diff"), nil, &out)
	return out, err
}

func (c *Client) Fetch(ctx context.Context, entityID string, items []prodstore.MediaItem) (FetchResponse, error) {
	var out FetchResponse
	body := map[string]any{"items": items}
	err := c.doJSON(ctx, http.MethodPost, entityPath(entityID, "media/fetch"), body, &out)
	return out, err
}

func (c *Client) Merge(ctx context.Context, entityID string, results []prodstore.DownloadResult) (prodstore.MergeResult, error) {
	var out prodstore.MergeResult
	body := map[string]any{"downloadResults": results}
	err := c.doJSON(ctx, http.MethodPost, entityPath(entityID, "media/merge"), body, &out)
	return out, err
}

func (c *Client) AppendObservations(ctx context.Context, entityID string, observations []prodstore.Observation) error {
	return c.doJSON(ctx, http.MethodPost, entityPath(entityID, "monitoring"), observations, nil)
}

func entityPath(entityID, suffix string) string {
	return fmt.Sprintf("/entities/%s/%s", url.PathEscape(entityID), suffix)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("collect_%d", time.Now().UnixNano())
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
