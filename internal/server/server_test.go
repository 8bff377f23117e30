package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pvlab/internal/config"
	"pvlab/internal/db"
	"pvlab/internal/domain"
	"pvlab/internal/engine"
	"pvlab/internal/migrate"
	"pvlab/internal/repo"
)

const testJWTSecret = "test-secret"

const testProtocol = `{
  "metadata": {"id": "uv-weathering", "version": "1.0.0", "category": "durability"},
  "sections": [
    {"id": "sample", "fields": [
      {"id": "serial", "kind": "text", "required": true, "pattern": "^PV-\\d{6}$"}
    ]},
    {"id": "measurements", "fields": [
      {"id": "pmax_stc", "kind": "number", "unit": "W", "min": 0}
    ]}
  ],
  "steps": [
    {"id": "prep", "name": "Sample intake", "kind": "preparation", "fields": ["serial"]},
    {"id": "final", "name": "Characterization", "kind": "measurement", "fields": ["pmax_stc"]}
  ],
  "acceptance": [
    {"id": "power-retention", "metric": "retention:pmax_stc", "comparator": "gte", "severity": "critical",
     "tiers": [{"bound": 95, "verdict": "pass"}, {"bound": 90, "verdict": "warning"}, {"verdict": "fail"}]}
  ]
}`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("lab-1")
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(data), err)
	}
	return env
}

func importProtocol(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/protocols", json.RawMessage(testProtocol), actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
}

func createRun(t *testing.T, srv *testServer) domain.TestRun {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"protocol_id": "uv-weathering",
		"sample_id":   "PV-000123",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var run domain.TestRun
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	return run
}

func TestRunFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	importProtocol(t, srv)
	run := createRun(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/start", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	// advancing without the required serial yields the incomplete_step envelope
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/advance", nil, actorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "incomplete_step" {
		t.Fatalf("error code: %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/measurements", map[string]any{
		"field_id": "serial", "value": "PV-000123",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted struct {
		Measurement domain.Measurement `json:"measurement"`
		QCEvents    []domain.QCEvent   `json:"qc_events"`
		RunStatus   string             `json:"run_status"`
	}
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.Measurement.Seq != 1 || submitted.RunStatus != domain.RunInProgress {
		t.Fatalf("submit response: %+v", submitted)
	}
	if submitted.QCEvents == nil {
		t.Fatal("qc_events should be an empty array, not null")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/advance", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/measurements", map[string]any{
		"field_id": "pmax_stc", "value": 350.0,
	}, actorHeaders())
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/measurements", map[string]any{
		"field_id": "pmax_stc", "value": 345.0,
	}, actorHeaders())

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/complete", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed struct {
		Run     domain.TestRun `json:"run"`
		Verdict domain.Verdict `json:"verdict"`
	}
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal complete response: %v", err)
	}
	// 345/350 = 98.6% retention
	if completed.Run.Status != domain.RunCompleted || completed.Verdict.Overall != domain.VerdictPass {
		t.Fatalf("complete response: %+v", completed)
	}

	// snapshot reflects the sealed run
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d: %s", res.StatusCode, string(data))
	}
	var snap struct {
		Run     domain.TestRun  `json:"run"`
		Verdict *domain.Verdict `json:"verdict"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Run.Status != domain.RunCompleted || snap.Verdict == nil {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv := newTestServer(t)
	importProtocol(t, srv)
	run := createRun(t, srv)
	client := srv.Client()

	// state conflict: ingest before start
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/measurements", map[string]any{
		"field_id": "serial", "value": "PV-000123",
	}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "state_conflict" {
		t.Fatalf("code: %s", env.Error.Code)
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/start", nil, actorHeaders())

	// field validation failure
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/measurements", map[string]any{
		"field_id": "serial", "value": "nope",
	}, actorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_field_value" {
		t.Fatalf("code: %s", env.Error.Code)
	}

	// malformed protocol document
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", json.RawMessage(`{"metadata": {"id": "x", "version": "1", "category": "c"}, "sections": [], "steps": []}`), actorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_protocol" {
		t.Fatalf("code: %s", env.Error.Code)
	}

	// duplicate import
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", json.RawMessage(testProtocol), actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// unknown run
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/no-such-run", nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// health is exempt
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// everything else requires credentials
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// garbage bearer token is rejected
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}

	// valid HS256 token
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}

	// API key auth
	secret := "pvlab_testkey"
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "bridge",
		KeyHash: repo.HashAPIKey(secret),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}
