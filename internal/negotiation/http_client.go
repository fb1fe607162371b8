package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient calls an external reasoning service over HTTP. The engine's hard
// timeout still applies on top of the per-attempt timeout here.
type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("negotiator base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/negotiate"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Negotiate(ctx context.Context, caseCtx CaseContext) (models.Resolution, error) {
	body, err := json.Marshal(caseCtx)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("negotiator marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return models.Resolution{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return models.Resolution{}, fmt.Errorf("negotiator build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		cancel()
		var serverDelay time.Duration
		if err != nil {
			lastErr = err
		} else {
			res, retryable, after, parseErr := decodeResolution(resp)
			resp.Body.Close()
			if parseErr == nil {
				return res, nil
			}
			lastErr = parseErr
			if !retryable {
				break
			}
			serverDelay = after
		}
		if i < attempts-1 {
			if err := sleepCtx(ctx, backoff(i, serverDelay)); err != nil {
				return models.Resolution{}, err
			}
		}
	}
	return models.Resolution{}, fmt.Errorf("negotiator call failed: %w", lastErr)
}

// decodeResolution splits failures into retryable (5xx, 429) and terminal
// (other 4xx, undecodable body). The server's Retry-After wins over the
// default backoff when present.
func decodeResolution(resp *http.Response) (models.Resolution, bool, time.Duration, error) {
	switch {
	case resp.StatusCode >= 500:
		return models.Resolution{}, true, retryAfter(resp), fmt.Errorf("negotiator unavailable: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.Resolution{}, true, retryAfter(resp), fmt.Errorf("negotiator throttled: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return models.Resolution{}, false, 0, fmt.Errorf("negotiator rejected request: %s", resp.Status)
	}
	var res models.Resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.Resolution{}, false, 0, fmt.Errorf("negotiator decode response: %w", err)
	}
	return res, true, 0, nil
}

const maxRetryAfter = 5 * time.Second

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func backoff(attempt int, serverDelay time.Duration) time.Duration {
	d := time.Duration(attempt+1) * 100 * time.Millisecond
	if serverDelay > d {
		d = serverDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
