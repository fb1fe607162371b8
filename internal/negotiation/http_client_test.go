package negotiation_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/negotiation"
)

func TestHTTPClientNegotiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/negotiate", r.URL.Path)
		var caseCtx negotiation.CaseContext
		require.NoError(t, json.NewDecoder(r.Body).Decode(&caseCtx))
		assert.Equal(t, "case-1", caseCtx.CaseID)
		json.NewEncoder(w).Encode(models.Resolution{
			Outcome:    models.OutcomeModified,
			Confidence: 0.85,
			Rationale:  "stagger the works",
		})
	}))
	defer srv.Close()

	client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := client.Negotiate(context.Background(), caseContext())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeModified, res.Outcome)
	assert.Equal(t, 0.85, res.Confidence)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.Resolution{
			Outcome:    models.OutcomeDeferred,
			Confidence: 0.7,
			Rationale:  "defer pending inspection",
		})
	}))
	defer srv.Close()

	client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{BaseURL: srv.URL, Retries: 2})
	require.NoError(t, err)

	res, err := client.Negotiate(context.Background(), caseContext())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeferred, res.Outcome)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{BaseURL: srv.URL, Retries: 1})
	require.NoError(t, err)

	_, err = client.Negotiate(context.Background(), caseContext())
	assert.Error(t, err)
}

func TestHTTPClientRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client going away.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{BaseURL: srv.URL, Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = client.Negotiate(ctx, caseContext())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPClientHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(models.Resolution{
			Outcome:    models.OutcomeModified,
			Confidence: 0.8,
			Rationale:  "stagger the works",
		})
	}))
	defer srv.Close()

	client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{BaseURL: srv.URL, Retries: 1})
	require.NoError(t, err)

	start := time.Now()
	res, err := client.Negotiate(context.Background(), caseContext())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeModified, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{BaseURL: srv.URL, Retries: 3})
	require.NoError(t, err)

	_, err = client.Negotiate(context.Background(), caseContext())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{})
	assert.Error(t, err)
}
