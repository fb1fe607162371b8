package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when a department cannot be reached and no
// last-known data exists. Never fatal to a case: the orchestrator records
// partial context and proceeds.
var ErrUnavailable = errors.New("department unavailable")

type HTTPPortConfig struct {
	// Endpoints maps agent ids to department base URLs.
	Endpoints map[string]string

	// Timeout is the per-attempt timeout for department calls. Defaults to 30s.
	Timeout time.Duration

	HTTPClient *http.Client
}

// HTTPPort calls department agents over HTTP with an enforced timeout and at
// most one retry. After repeated failure a query degrades to last-known data.
type HTTPPort struct {
	endpoints map[string]string
	client    *http.Client
	timeout   time.Duration

	mu        sync.RWMutex
	lastKnown map[string]json.RawMessage
}

func NewHTTPPort(cfg HTTPPortConfig) *HTTPPort {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for id, base := range cfg.Endpoints {
		endpoints[id] = strings.TrimSuffix(base, "/")
	}
	return &HTTPPort{
		endpoints: endpoints,
		client:    client,
		timeout:   timeout,
		lastKnown: make(map[string]json.RawMessage),
	}
}

func (p *HTTPPort) ProvideData(ctx context.Context, agentID, queryType string, params map[string]interface{}) (Data, error) {
	base, ok := p.endpoints[agentID]
	if !ok {
		return p.degrade(agentID, queryType, fmt.Errorf("no endpoint for agent %s", agentID))
	}

	body, err := json.Marshal(map[string]interface{}{
		"queryType": queryType,
		"context":   params,
	})
	if err != nil {
		return Data{}, fmt.Errorf("marshal data query: %w", err)
	}

	payload, err := p.post(ctx, base+"/agent/provide-data", body)
	if err != nil {
		return p.degrade(agentID, queryType, err)
	}

	p.mu.Lock()
	p.lastKnown[agentID+"/"+queryType] = append(json.RawMessage(nil), payload...)
	p.mu.Unlock()
	return Data{Payload: payload}, nil
}

func (p *HTTPPort) NotifyOutcome(ctx context.Context, agentID string, notice Notice) error {
	base, ok := p.endpoints[agentID]
	if !ok {
		return fmt.Errorf("no endpoint for agent %s", agentID)
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if _, err := p.post(ctx, base+"/agent/coordination", body); err != nil {
		return fmt.Errorf("notify %s: %w", agentID, err)
	}
	return nil
}

// post performs the request with one retry on failure.
func (p *HTTPPort) post(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("department returned %d", resp.StatusCode)
			continue
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return payload, nil
	}
	return nil, lastErr
}

// degrade serves last-known data when the department is unreachable.
func (p *HTTPPort) degrade(agentID, queryType string, cause error) (Data, error) {
	p.mu.RLock()
	cached, ok := p.lastKnown[agentID+"/"+queryType]
	p.mu.RUnlock()
	if !ok {
		return Data{}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	return Data{Payload: cached, Stale: true}, nil
}
