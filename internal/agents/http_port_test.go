package agents_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/coordinator/internal/agents"
	"github.com/civicmesh/coordinator/internal/models"
)

func TestProvideDataRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/provide-data", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "coordination_context", req["queryType"])
		w.Write([]byte(`{"crews":3}`))
	}))
	defer srv.Close()

	port := agents.NewHTTPPort(agents.HTTPPortConfig{
		Endpoints: map[string]string{"water-dept": srv.URL},
	})
	data, err := port.ProvideData(context.Background(), "water-dept", "coordination_context", nil)
	require.NoError(t, err)
	assert.False(t, data.Stale)
	assert.JSONEq(t, `{"crews":3}`, string(data.Payload))
}

func TestProvideDataDegradesToLastKnown(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"crews":3}`))
	}))
	defer srv.Close()

	port := agents.NewHTTPPort(agents.HTTPPortConfig{
		Endpoints: map[string]string{"water-dept": srv.URL},
	})
	_, err := port.ProvideData(context.Background(), "water-dept", "coordination_context", nil)
	require.NoError(t, err)

	failing.Store(true)
	data, err := port.ProvideData(context.Background(), "water-dept", "coordination_context", nil)
	require.NoError(t, err)
	assert.True(t, data.Stale)
	assert.JSONEq(t, `{"crews":3}`, string(data.Payload))
}

func TestProvideDataUnavailableWithoutCache(t *testing.T) {
	port := agents.NewHTTPPort(agents.HTTPPortConfig{
		Endpoints: map[string]string{},
	})
	_, err := port.ProvideData(context.Background(), "water-dept", "coordination_context", nil)
	assert.ErrorIs(t, err, agents.ErrUnavailable)
}

func TestNotifyOutcome(t *testing.T) {
	var got agents.Notice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/coordination", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	port := agents.NewHTTPPort(agents.HTTPPortConfig{
		Endpoints: map[string]string{"water-dept": srv.URL},
	})
	err := port.NotifyOutcome(context.Background(), "water-dept", agents.Notice{
		CaseID:     "case-1",
		ProposalID: "p1",
		Outcome:    models.OutcomeApprovedAll,
	})
	require.NoError(t, err)
	assert.Equal(t, "case-1", got.CaseID)
	assert.Equal(t, models.OutcomeApprovedAll, got.Outcome)
}

func TestPostRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"crews":1}`))
	}))
	defer srv.Close()

	port := agents.NewHTTPPort(agents.HTTPPortConfig{
		Endpoints: map[string]string{"water-dept": srv.URL},
	})
	data, err := port.ProvideData(context.Background(), "water-dept", "coordination_context", nil)
	require.NoError(t, err)
	assert.False(t, data.Stale)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoopPort(t *testing.T) {
	port := agents.NoopPort{}
	_, err := port.ProvideData(context.Background(), "water-dept", "coordination_context", nil)
	assert.ErrorIs(t, err, agents.ErrUnavailable)

	err = port.NotifyOutcome(context.Background(), "water-dept", agents.Notice{CaseID: "case-1"})
	assert.NoError(t, err)
}
