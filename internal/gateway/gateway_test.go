package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/envelope"
	"github.com/classmesh/classmesh/internal/ethics"
	"github.com/classmesh/classmesh/internal/orchestrator"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		HomeDir:               t.TempDir(),
		BindAddr:              "127.0.0.1:0",
		LogLevel:              "info",
		RouteTimeoutSeconds:   5,
		HealthIntervalSeconds: 30,
		Roster:                config.StarterRoster(),
	}
}

func newTestServer(t *testing.T, opts orchestrator.Options, gwCfg Config) (*httptest.Server, *orchestrator.System) {
	t.Helper()
	sys, err := orchestrator.New(testConfig(t), opts)
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	if err := sys.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { sys.Shutdown(context.Background()) })

	gwCfg.System = sys
	ts := httptest.NewServer(New(gwCfg).Handler())
	t.Cleanup(ts.Close)
	return ts, sys
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestRoute_Approved(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	resp, body := postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "math-dept", "content": "schedule question",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if body["envelope_id"] == "" {
		t.Fatal("envelope_id missing")
	}
}

func TestRoute_RejectedContentIsForbidden(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	resp, body := postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "math-dept", "content": "what is his home address",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["success"] != false || body["code"] != "rejected" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRoute_UnknownTargetIsNotFound(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	resp, body := postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "ghost-dept", "content": "anyone home",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["code"] != "target_not_found" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestRoute_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	resp, _ := postJSON(t, ts.URL+"/v1/route", map[string]string{"from": "front-desk"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d", resp.StatusCode)
	}
	raw, err := http.Post(ts.URL+"/v1/route", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", raw.StatusCode)
	}
	get, err := http.Get(ts.URL + "/v1/route")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status = %d", get.StatusCode)
	}
}

func TestStudent_ClassifiesAndEscalates(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	resp, body := postJSON(t, ts.URL+"/v1/student", map[string]string{
		"student_id": "stu-1", "interaction": "I need help with my algebra homework",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["department"] != "math" || body["escalated"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAdmin_RoutesToPrincipal(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	resp, body := postJSON(t, ts.URL+"/v1/admin", map[string]string{
		"source": "district-office", "message": "budget review next week",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
}

func TestEmergency_ActivateAndClear(t *testing.T) {
	ts, sys := newTestServer(t, orchestrator.Options{}, Config{})

	resp, body := postJSON(t, ts.URL+"/v1/emergency", map[string]string{
		"kind": "fire_drill", "detail": "west wing", "actor": "principal",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["already_active"] != false {
		t.Fatalf("already_active = %v", body["already_active"])
	}
	if !sys.EmergencyActive() {
		t.Fatal("emergency flag not set")
	}

	// A second activation reports the sticky flag.
	_, body = postJSON(t, ts.URL+"/v1/emergency", map[string]string{"kind": "fire_drill"})
	if body["already_active"] != true {
		t.Fatalf("second activation: already_active = %v", body["already_active"])
	}

	resp, body = postJSON(t, ts.URL+"/v1/emergency/clear", map[string]string{"actor": "principal"})
	if resp.StatusCode != http.StatusOK || body["cleared"] != true {
		t.Fatalf("clear: status = %d, body %v", resp.StatusCode, body)
	}
	if sys.EmergencyActive() {
		t.Fatal("emergency flag survived the clear")
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{ConfigFingerprint: "cfg-test"})

	resp, body := getJSON(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["healthy"] != true || body["status"] != "operational" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("config_fingerprint = %v", body["config_fingerprint"])
	}
}

func TestMetrics_CountsInteractions(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "math-dept", "content": "hello",
	})
	resp, body := getJSON(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["total_interactions"] != float64(1) {
		t.Fatalf("total_interactions = %v", body["total_interactions"])
	}
	if body["audit_records"] != float64(1) {
		t.Fatalf("audit_records = %v", body["audit_records"])
	}
}

func TestAgentsAndAuditEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{})

	postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "math-dept", "content": "hello",
	})

	_, body := getJSON(t, ts.URL+"/v1/agents")
	agents, ok := body["agents"].([]any)
	if !ok || len(agents) != 9 {
		t.Fatalf("agents = %v", body["agents"])
	}
	first, _ := agents[0].(map[string]any)
	if first["id"] != "guardian" || first["immutable"] != true {
		t.Fatalf("first agent = %v", first)
	}

	_, body = getJSON(t, ts.URL+"/v1/audit?limit=10")
	records, ok := body["records"].([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("records = %v", body["records"])
	}

	resp, _ := getJSON(t, ts.URL+"/v1/audit?limit=0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0: status = %d", resp.StatusCode)
	}
}

func TestAuthToken_GuardsEverythingButHealthz(t *testing.T) {
	ts, _ := newTestServer(t, orchestrator.Options{}, Config{AuthToken: "secret"})

	resp, _ := postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "math-dept", "content": "hello",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated route: status = %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/route",
		bytes.NewReader([]byte(`{"from":"front-desk","to":"math-dept","content":"hello"}`)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("authenticated route: status = %d", authed.StatusCode)
	}

	// The health probe stays open for load balancers.
	hz, _ := getJSON(t, ts.URL+"/healthz")
	if hz.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status = %d", hz.StatusCode)
	}
}

func TestRoute_BackpressureWhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	factory := func(cfg agent.Config, policy *ethics.LivePolicy) (agent.Instance, error) {
		if cfg.ID != "math-dept" {
			return orchestrator.BuiltinFactory(cfg, policy)
		}
		return agent.InstanceFunc(func(ctx context.Context, _ *envelope.Envelope) (agent.Response, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return agent.Response{Success: true}, nil
		}), nil
	}
	ts, _ := newTestServer(t, orchestrator.Options{Factory: factory}, Config{MaxConcurrentRoutes: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		body := []byte(`{"from":"front-desk","to":"math-dept","content":"slow one"}`)
		resp, err := http.Post(ts.URL+"/v1/route", "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	resp, body := postJSON(t, ts.URL+"/v1/route", map[string]string{
		"from": "front-desk", "to": "math-dept", "content": "second",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("saturated route: status = %d, body %v", resp.StatusCode, body)
	}
	close(release)
	<-done
}
