package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/coordinator/internal/config"
	"github.com/civicmesh/coordinator/internal/detector"
	"github.com/civicmesh/coordinator/internal/escalation"
	"github.com/civicmesh/coordinator/internal/httpserver"
	"github.com/civicmesh/coordinator/internal/ledger"
	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/negotiation"
	"github.com/civicmesh/coordinator/internal/orchestrator"
	"github.com/civicmesh/coordinator/internal/policy"
	"github.com/civicmesh/coordinator/internal/rules"
	"github.com/civicmesh/coordinator/internal/scoring"
)

const jwtSecret = "test-secret"

func testServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{
		ApprovalTimeout: time.Second,
		JWTSecret:       jwtSecret,
		AllowDebugToken: true,
		DebugToken:      "debug-token",
	}
	ruleEngine := rules.New()
	orch := orchestrator.New(orchestrator.Options{
		Detector:   detector.New(policy.Set{}),
		Scorer:     scoring.New(config.Weights{Conflicts: 0.2, Agents: 0.1, Emergency: 0.3, Cost: 0.2, Depth: 0.2}, 10_000_000, 5),
		RuleEngine: ruleEngine,
		Negotiator: negotiation.New(nil, ruleEngine, time.Second, 0.3),
		Gateway: escalation.New(nil, escalation.Thresholds{
			CostCeiling:     5_000_000,
			ConfidenceFloor: 0.7,
		}, time.Second),
		Ledger:           ledger.NewMemoryStore(),
		RoutingThreshold: 0.5,
		ActiveRetention:  time.Hour,
	})
	return httpserver.New(cfg, orch).Router()
}

func submitBody(agentID, location string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"proposals": []models.AgentProposal{{
			AgentID:       agentID,
			Decision:      "scheduled works",
			Location:      location,
			EstimatedCost: 1000,
			Priority:      models.PriorityRoutine,
		}},
	})
	return body
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestSubmitEndpoint(t *testing.T) {
	h := testServer(t)
	rec, body := doJSON(t, h, http.MethodPost, "/coordination/submit", submitBody("water-dept", "sector-1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "approved_all", body["outcome"])
	assert.Equal(t, "rule", body["resolutionMethod"])
	assert.NotEmpty(t, body["caseId"])
}

func TestSubmitEndpointRejectsMalformedBody(t *testing.T) {
	h := testServer(t)
	rec, _ := doJSON(t, h, http.MethodPost, "/coordination/submit", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/coordination/submit", []byte(`{"proposals":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckConflictsEndpoint(t *testing.T) {
	h := testServer(t)
	rec, _ := doJSON(t, h, http.MethodPost, "/coordination/submit", submitBody("water-dept", "sector-1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := doJSON(t, h, http.MethodPost, "/coordination/check-conflicts", submitBody("roads-dept", "sector-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestGetCaseEndpoint(t *testing.T) {
	h := testServer(t)
	_, created := doJSON(t, h, http.MethodPost, "/coordination/submit", submitBody("water-dept", "sector-1"), nil)
	caseID := created["caseId"].(string)

	rec, body := doJSON(t, h, http.MethodGet, "/coordination/cases/"+caseID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "finalized", body["state"])

	rec, _ = doJSON(t, h, http.MethodGet, "/coordination/cases/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	h := testServer(t)
	_, created := doJSON(t, h, http.MethodPost, "/coordination/submit", submitBody("water-dept", "sector-1"), nil)
	caseID := created["caseId"].(string)

	rec, _ := doJSON(t, h, http.MethodPost, "/coordination/cases/"+caseID+"/cancel", []byte(`{"agentId":"water-dept"}`), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/coordination/cases/"+caseID+"/cancel", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/coordination/cases/missing/cancel", []byte(`{"agentId":"water-dept"}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionEndpointRequiresAuth(t *testing.T) {
	h := testServer(t)
	rec, _ := doJSON(t, h, http.MethodPost, "/coordination/cases/any/decision", []byte(`{"decision":"approve_all"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signToken(t *testing.T, secret, subject, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestDecisionEndpointJWT(t *testing.T) {
	h := testServer(t)
	_, created := doJSON(t, h, http.MethodPost, "/coordination/submit", submitBody("water-dept", "sector-1"), nil)
	caseID := created["caseId"].(string)

	// A valid token on a finalized case reaches the handler and gets the
	// already-resolved conflict, proving the auth layer passed it through.
	token := signToken(t, jwtSecret, "duty-officer", "coordination:approve")
	rec, _ := doJSON(t, h, http.MethodPost, "/coordination/cases/"+caseID+"/decision",
		[]byte(`{"decision":"approve_all"}`),
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusConflict, rec.Code)

	badScope := signToken(t, jwtSecret, "duty-officer", "coordination:read")
	rec, _ = doJSON(t, h, http.MethodPost, "/coordination/cases/"+caseID+"/decision",
		[]byte(`{"decision":"approve_all"}`),
		map[string]string{"Authorization": "Bearer " + badScope})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	forged := signToken(t, "wrong-secret", "duty-officer", "coordination:approve")
	rec, _ = doJSON(t, h, http.MethodPost, "/coordination/cases/"+caseID+"/decision",
		[]byte(`{"decision":"approve_all"}`),
		map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecisionEndpointDebugToken(t *testing.T) {
	h := testServer(t)
	rec, _ := doJSON(t, h, http.MethodPost, "/coordination/cases/missing/decision",
		[]byte(`{"decision":"approve_all"}`),
		map[string]string{"X-Debug-Token": "debug-token"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerEndpoint(t *testing.T) {
	h := testServer(t)
	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, h, http.MethodPost, "/coordination/submit",
			submitBody("water-dept", fmt.Sprintf("sector-%d", i)), nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, body := doJSON(t, h, http.MethodGet, "/coordination/ledger?agentId=water-dept", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, _ = doJSON(t, h, http.MethodGet, "/coordination/ledger?from=not-a-time", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/coordination/ledger?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := testServer(t)
	rec, body := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}
