package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/modelmeter/modelmeter/pkg/aggregates"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/credentials"
	"github.com/modelmeter/modelmeter/pkg/labels"
	"github.com/modelmeter/modelmeter/pkg/metering"
	"github.com/modelmeter/modelmeter/pkg/pricing"
	"github.com/modelmeter/modelmeter/pkg/provisioning"
	"github.com/modelmeter/modelmeter/pkg/selection"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/token"
)

const apiPricebook = `
model_labels:
  premium:
    id: model-premium
    input_price_usd_micros_per_1m: 3000000
    output_price_usd_micros_per_1m: 15000000
  standard:
    id: model-standard
    input_price_usd_micros_per_1m: 800000
    output_price_usd_micros_per_1m: 4000000
`

const (
	apiOrg      = "0f0f0f0f-1111-2222-3333-444444444444"
	apiOtherOrg = "0f0f0f0f-9999-8888-7777-666666666666"
	apiApp      = "checkout"
	provKey     = "prov-key-for-tests"
)

type harness struct {
	server *Server
	clk    *testingclock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := storage.NewBoltStore(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pb, err := config.ParsePricebook([]byte(apiPricebook))
	require.NoError(t, err)

	settings := config.Settings{APIPrefix: "/api/v1", Environment: "test"}
	creds := credentials.NewManager(store, clk)
	issuer := token.NewIssuer([]byte("signing-secret"), store, clk)
	meter := metering.New(store, labels.NewResolver(store, pb), pricing.NewResolver(store, pb), clk, 0)

	server := NewServer(Deps{
		Settings:        settings,
		Store:           store,
		Credentials:     creds,
		Issuer:          issuer,
		Meter:           meter,
		Selection:       selection.NewEngine(store, meter, pb, clk),
		Projector:       aggregates.NewProjector(store, meter, pb, clk),
		Provisioner:     provisioning.NewService(store, pb, clk),
		Registrar:       labels.NewRegistrar(store, fakeBedrockFactory, clk),
		ProvisioningKey: []byte(provKey),
		Clock:           clk,
	})
	return &harness{server: server, clk: clk}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func provHeaders() map[string]string {
	return map[string]string{ProvisioningKeyHeader: provKey}
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

// provisionOrg creates the standard test org and app and returns the app's
// client credentials.
func (h *harness) provisionOrg(t *testing.T) (clientID, clientSecret string) {
	t.Helper()
	w := h.do(t, http.MethodPut, "/api/v1/orgs/"+apiOrg, map[string]any{
		"org_name":       "Acme",
		"timezone":       "UTC",
		"quota_scope":    "ORG",
		"model_ordering": []string{"premium", "standard"},
		"quotas":         map[string]int64{"premium": 10_000_000, "standard": 5_000_000},
	}, provHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/orgs/%s/apps/%s", apiOrg, apiApp),
		map[string]any{"app_name": "Checkout"}, provHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	return body["client_id"].(string), body["client_secret"].(string)
}

func (h *harness) accessToken(t *testing.T) string {
	t.Helper()
	clientID, secret := h.provisionOrg(t)
	w := h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     clientID,
		"client_secret": secret,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["access_token"].(string)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestProvisioningRequiresKey(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPut, "/api/v1/orgs/"+apiOrg, map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPut, "/api/v1/orgs/"+apiOrg, map[string]any{},
		map[string]string{ProvisioningKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProvisionAndTokenFlow(t *testing.T) {
	h := newHarness(t)
	clientID, secret := h.provisionOrg(t)
	assert.Equal(t, fmt.Sprintf("org-%s-app-%s", apiOrg, apiApp), clientID)

	// Wrong secret is rejected with a generic message.
	w := h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     clientID,
		"client_secret": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     clientID,
		"client_secret": secret,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, float64(3600), body["expires_in"])

	// Refresh the access token.
	w = h.do(t, http.MethodPost, "/api/v1/auth/refresh", map[string]any{
		"refresh_token": body["refresh_token"],
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["access_token"])
}

func TestTokenFormEncoded(t *testing.T) {
	h := newHarness(t)
	clientID, secret := h.provisionOrg(t)

	form := fmt.Sprintf("grant_type=client_credentials&client_id=%s&client_secret=%s", clientID, secret)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUsageSubmitAndAggregates(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)
	usagePath := fmt.Sprintf("/api/v1/orgs/%s/apps/%s/usage", apiOrg, apiApp)

	w := h.do(t, http.MethodPost, usagePath, map[string]any{
		"request_id":    "req-1",
		"model_label":   "premium",
		"input_tokens":  1500,
		"output_tokens": 800,
		"status":        "OK",
		"timestamp":     h.clk.Now().Format(time.RFC3339),
	}, bearer(tok))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, true, body["accepted"])
	processing := body["processing"].(map[string]any)
	assert.Equal(t, true, processing["applied"])
	assert.Equal(t, float64(16_500), processing["cost_usd_micros"])

	// Repeat submission is accepted but not applied.
	w = h.do(t, http.MethodPost, usagePath, map[string]any{
		"request_id":    "req-1",
		"model_label":   "premium",
		"input_tokens":  1500,
		"output_tokens": 800,
		"status":        "OK",
		"timestamp":     h.clk.Now().Format(time.RFC3339),
	}, bearer(tok))
	require.Equal(t, http.StatusAccepted, w.Code)
	processing = decode(t, w)["processing"].(map[string]any)
	assert.Equal(t, false, processing["applied"])

	w = h.do(t, http.MethodGet, "/api/v1/orgs/"+apiOrg+"/aggregates/today", nil, bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	totals := decode(t, w)["totals"].(map[string]any)
	assert.Equal(t, float64(16_500), totals["cost_usd_micros"])
	assert.Equal(t, float64(1), totals["requests"])
}

func TestUsageBatch(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)
	path := fmt.Sprintf("/api/v1/orgs/%s/apps/%s/usage/batch", apiOrg, apiApp)

	records := []map[string]any{
		{
			"request_id": "req-1", "model_label": "premium",
			"input_tokens": 100, "output_tokens": 100, "status": "OK",
			"timestamp": h.clk.Now().Format(time.RFC3339),
		},
		{
			"request_id": "req-2", "model_label": "nonexistent",
			"input_tokens": 100, "output_tokens": 100, "status": "OK",
			"timestamp": h.clk.Now().Format(time.RFC3339),
		},
	}
	w := h.do(t, http.MethodPost, path, map[string]any{"records": records}, bearer(tok))
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, float64(1), body["accepted"])
	assert.Equal(t, float64(1), body["failed"])
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "accepted", results[0].(map[string]any)["status"])
	assert.Equal(t, "error", results[1].(map[string]any)["status"])
}

func TestUsageBatchTooLarge(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)
	path := fmt.Sprintf("/api/v1/orgs/%s/apps/%s/usage/batch", apiOrg, apiApp)

	records := make([]map[string]any, 101)
	for i := range records {
		records[i] = map[string]any{
			"request_id": fmt.Sprintf("req-%d", i), "model_label": "premium",
			"status": "OK", "timestamp": h.clk.Now().Format(time.RFC3339),
		}
	}
	w := h.do(t, http.MethodPost, path, map[string]any{"records": records}, bearer(tok))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode(t, w)["error"])
}

func TestModelSelection(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)
	path := fmt.Sprintf("/api/v1/orgs/%s/apps/%s/model-selection", apiOrg, apiApp)

	w := h.do(t, http.MethodGet, path, nil, bearer(tok))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "premium", body["model_label"])
	assert.Equal(t, "NORMAL", body["reason"])
	guidance := body["client_guidance"].(map[string]any)
	assert.Equal(t, "NORMAL", guidance["mode"])
	assert.Equal(t, float64(300), guidance["recheck_interval_seconds"])
	require.NotNil(t, body["pricing"])
}

func TestPathBinding(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)

	// Token is bound to apiOrg; another org's path is forbidden.
	w := h.do(t, http.MethodGet, "/api/v1/orgs/"+apiOtherOrg+"/aggregates/today", nil, bearer(tok))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// App-scoped token cannot touch another app.
	w = h.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/orgs/%s/apps/%s/model-selection", apiOrg, "other-app"), nil, bearer(tok))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBearerRequired(t *testing.T) {
	h := newHarness(t)
	h.provisionOrg(t)

	w := h.do(t, http.MethodGet, "/api/v1/orgs/"+apiOrg+"/aggregates/today", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/orgs/"+apiOrg+"/aggregates/today", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokeFlow(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)

	w := h.do(t, http.MethodPost, "/api/v1/auth/revoke", map[string]any{"token": tok}, bearer(tok))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	// The revoked token no longer authenticates.
	w = h.do(t, http.MethodGet, "/api/v1/orgs/"+apiOrg+"/aggregates/today", nil, bearer(tok))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRotationEndpoint(t *testing.T) {
	h := newHarness(t)
	clientID, oldSecret := h.provisionOrg(t)

	w := h.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/orgs/%s/apps/%s/credentials/rotate", apiOrg, apiApp),
		map[string]any{"grace_period_hours": 24}, provHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	newSecret := body["client_secret"].(string)
	require.NotEqual(t, oldSecret, newSecret)

	// Both secrets authenticate during the grace period.
	for _, secret := range []string{oldSecret, newSecret} {
		w = h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
			"grant_type":    "client_credentials",
			"client_id":     clientID,
			"client_secret": secret,
		}, nil)
		assert.Equal(t, http.StatusOK, w.Code, "secret %q", secret)
	}
}

func TestRotationOneTimeRetrieval(t *testing.T) {
	h := newHarness(t)
	clientID, _ := h.provisionOrg(t)

	w := h.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/orgs/%s/apps/%s/credentials/rotate", apiOrg, apiApp),
		map[string]any{"grace_period_hours": 0, "one_time_retrieval": true}, provHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)

	// The secret is withheld from the rotation response.
	assert.Nil(t, body["client_secret"])
	retrievalToken, ok := body["secret_retrieval_token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, retrievalToken)
	assert.NotZero(t, body["retrieval_expires_at_epoch"])

	// First redemption yields the secret.
	w = h.do(t, http.MethodPost, "/api/v1/auth/secret-retrieval",
		map[string]any{"retrieval_token": retrievalToken}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	redeemed := decode(t, w)
	assert.Equal(t, clientID, redeemed["client_id"])
	secret, ok := redeemed["client_secret"].(string)
	require.True(t, ok)
	require.NotEmpty(t, secret)

	// The retrieved secret authenticates.
	w = h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     clientID,
		"client_secret": secret,
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Replay of the retrieval token is rejected.
	w = h.do(t, http.MethodPost, "/api/v1/auth/secret-retrieval",
		map[string]any{"retrieval_token": retrievalToken}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ALREADY_USED", decode(t, w)["error"])

	// Unknown tokens look like expired ones.
	w = h.do(t, http.MethodPost, "/api/v1/auth/secret-retrieval",
		map[string]any{"retrieval_token": "not-a-grant"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorEnvelopeShape(t *testing.T) {
	h := newHarness(t)
	tok := h.accessToken(t)

	w := h.do(t, http.MethodGet, "/api/v1/orgs/"+apiOrg+"/aggregates/2030-01-01", nil, bearer(tok))
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decode(t, w)
	assert.Equal(t, "INVALID_REQUEST", body["error"])
	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["timestamp"])
}
