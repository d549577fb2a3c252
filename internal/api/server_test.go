// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingshijunRenzy/ICS-guard/internal/ctlplane"
	"github.com/LingshijunRenzy/ICS-guard/internal/events"
	"github.com/LingshijunRenzy/ICS-guard/internal/inference"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/policy"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

type stubController struct {
	policies map[string]policy.Policy
	applied  []string
	nextID   int
	fail     bool
}

func newStubController() *stubController {
	return &stubController{policies: map[string]policy.Policy{}}
}

func (c *stubController) err() error {
	if c.fail {
		return fmt.Errorf("controller unreachable")
	}
	return nil
}

func (c *stubController) GetTopology(context.Context) (map[string]any, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	return map[string]any{"nodes": []any{map[string]any{"id": "s1"}}}, nil
}

func (c *stubController) GetNodeStats(context.Context) (any, error) { return []any{}, c.err() }
func (c *stubController) GetLinkStats(context.Context) (any, error) { return []any{}, c.err() }

func (c *stubController) ListPolicies(context.Context, string, string) ([]any, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	out := []any{}
	for id := range c.policies {
		out = append(out, map[string]any{"id": id})
	}
	return out, nil
}

func (c *stubController) GetPolicy(_ context.Context, id string) (map[string]any, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	p, ok := c.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s not found", id)
	}
	return map[string]any{"id": id, "name": p.Name}, nil
}

func (c *stubController) CreatePolicy(_ context.Context, p policy.Policy) (string, error) {
	if err := c.err(); err != nil {
		return "", err
	}
	c.nextID++
	id := fmt.Sprintf("pol-%d", c.nextID)
	c.policies[id] = p
	return id, nil
}

func (c *stubController) UpdatePolicy(_ context.Context, id string, p policy.Policy) (map[string]any, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	c.policies[id] = p
	return map[string]any{"id": id}, nil
}

func (c *stubController) DeletePolicy(_ context.Context, id string) error {
	delete(c.policies, id)
	return c.err()
}

func (c *stubController) ApplyPolicy(_ context.Context, id string, _ ctlplane.ApplyTargets) error {
	c.applied = append(c.applied, id)
	return c.err()
}

func (c *stubController) RevokePolicy(context.Context, string, ctlplane.ApplyTargets) error {
	return c.err()
}

func (c *stubController) GetAlerts(context.Context) ([]any, error) {
	return []any{map[string]any{"id": "a1"}}, c.err()
}

func (c *stubController) GetHoneypotLogs(context.Context) ([]any, error) { return []any{}, c.err() }

type testEnv struct {
	srv   *httptest.Server
	token string
	ctl   *stubController
	db    *store.Store
	cache *events.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.CreateUser("operator", "pass-1234", "admin")
	require.NoError(t, err)

	svc := inference.NewService()
	svc.SetModel(constantModel{prob: 0.95})

	ctl := newStubController()
	cache := events.NewCache(0)

	server := NewServer(Options{
		Store:      db,
		Controller: ctl,
		Inference:  svc,
		Cache:      cache,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, ctl: ctl, db: db, cache: cache}
	env.token = env.login(t, "operator", "pass-1234")
	return env
}

// constantModel always returns the same probability.
type constantModel struct{ prob float64 }

func (m constantModel) PredictProba([]float64) (float64, error) { return m.prob, nil }
func (m constantModel) PredictClass([]float64) (int, error) {
	if m.prob >= 0.5 {
		return 1, nil
	}
	return 0, nil
}
func (m constantModel) Type() string    { return "constant" }
func (m constantModel) Version() string { return "test" }

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(e.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out["token"].(string)
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccessLogEmitsLine(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Default()
	logging.SetDefault(logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf}))
	defer logging.SetDefault(prev)

	h := accessLog(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/flows", nil))

	assert.Contains(t, buf.String(), "GET /api/flows 418")
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/topology")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBadCredentialsRejected(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(map[string]string{"username": "operator", "password": "wrong"})
	resp, err := http.Post(env.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "operator", out["username"])
	assert.Equal(t, "admin", out["role"])
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTopologyPassthrough(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodGet, "/api/topology", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out, "nodes")
}

func TestControllerErrorSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.ctl.fail = true
	resp, _ := env.do(t, http.MethodGet, "/api/topology", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPolicyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodPost, "/api/policies", map[string]any{
		"name": "Block PLC scans", "priority": 50, "action": "block",
		"conditions": map[string]any{"dst_port": 502},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := out["policy_id"].(string)

	resp, _ = env.do(t, http.MethodPost, "/api/policies/"+id+"/apply", map[string]any{
		"target_flows": []string{"flow-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{id}, env.ctl.applied)

	resp, out = env.do(t, http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["policies"], 1)

	resp, _ = env.do(t, http.MethodDelete, "/api/policies/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDetectFlowPersistsResult(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodPost, "/api/detect/flow", map[string]any{
		"flow_id": "f-100", "src_ip": "10.0.3.20", "pkt_rate": 1500.0, "pkt_count": 900,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "f-100", out["flow_id"])
	assert.Equal(t, "dangerous", out["detect_status"])

	f, err := env.db.GetFlow("f-100")
	require.NoError(t, err)
	assert.Equal(t, "dangerous", f.DetectStatus)
	assert.InDelta(t, 0.95, f.Prob, 1e-9)

	n, err := env.db.CountDetectionLogs("f-100")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDetectFlowRequiresFlowID(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/detect/flow", map[string]any{"src_ip": "10.0.0.1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetectBatch(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodPost, "/api/detect/batch", map[string]any{
		"flows": []map[string]any{
			{"flow_id": "b1", "pkt_count": 100},
			{"no_id": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := out["results"].([]any)
	require.Len(t, results, 2)
	assert.Contains(t, results[1].(map[string]any), "error")
}

func TestModelMeta(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodGet, "/api/model/meta", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "constant", out["model_type"])
}

func TestFlowsListingAndFetch(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.do(t, http.MethodPost, "/api/detect/flow", map[string]any{"flow_id": "f-1"})
	_, _ = env.do(t, http.MethodPost, "/api/detect/flow", map[string]any{"flow_id": "f-2"})

	resp, out := env.do(t, http.MethodGet, "/api/flows?page=1&per_page=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["flows"], 2)

	resp, out = env.do(t, http.MethodGet, "/api/flows/f-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "f-1", out["flow_id"])

	resp, _ = env.do(t, http.MethodGet, "/api/flows/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecentEvents(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Add(events.NewEvent(events.TypeTopologyChange, map[string]any{"n": 1}))
	env.cache.Add(events.NewEvent(events.TypeFlowUpdate, map[string]any{"n": 2}))

	resp, out := env.do(t, http.MethodGet, "/api/events?types=flow_update", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["events"], 1)
}

func TestEventLogsPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, env.db.AppendEventLog(store.EventLog{
			EventType: "traffic_anomaly", Severity: "warning", Source: "controller",
		}))
	}

	resp, out := env.do(t, http.MethodGet, "/api/events/logs?page=1&per_page=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["logs"], 2)
	assert.Equal(t, float64(5), out["total"])

	// Oversized per_page clamps instead of failing.
	resp, out = env.do(t, http.MethodGet, "/api/events/logs?per_page=9999", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(maxPerPage), out["per_page"])
}

func TestAuditTrailRecordsLogin(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, out["total"].(float64), float64(1))
}

func TestAuditExportCSV(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/audit/export", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), 2) // header + the login entry
	assert.Equal(t, "username", records[0][1])
	assert.Equal(t, "login", records[1][2])
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPut, "/api/preferences/theme", map[string]any{"value": "dark"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := env.do(t, http.MethodGet, "/api/preferences/theme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dark", out["value"])
}
