package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/db"
	"pulse/internal/domain"
	"pulse/internal/engine"
	"pulse/internal/ingest"
	"pulse/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, linear *ingest.Linear) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := zap.NewNop()
	if linear == nil {
		linear = ingest.NewLinear("", "", log)
	}
	e := engine.New(conn, config.Default(), nil, log)
	handler, err := New(Config{
		Engine:   e,
		GitHub:   ingest.NewGitHub("", log),
		Linear:   linear,
		BasePath: "/v0",
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestGenerateRecommendationAlwaysResponds(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/priority/generate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal recommendation: %v", err)
	}
	if rec.PrimaryAction.Action == "" {
		t.Fatal("expected a primary action")
	}
	if rec.ContextID == "" {
		t.Fatal("expected a context id")
	}
	if rec.DebugInfo.AIReasoningUsed {
		t.Fatal("reasoning backend is not configured, ai path must not be reported")
	}
	if rec.PrimaryAction.Confidence < 0 || rec.PrimaryAction.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", rec.PrimaryAction.Confidence)
	}
}

func TestFeedbackFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/priority/feedback", map[string]any{
		"recommendation_id": "does-not-exist",
		"outcome":           "completed",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown recommendation, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/priority/generate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal recommendation: %v", err)
	}

	score := 4
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/priority/feedback", map[string]any{
		"recommendation_id": rec.ContextID,
		"action_taken":      rec.PrimaryAction.Action,
		"outcome":           "completed",
		"feedback_score":    score,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feedback status %d: %s", res.StatusCode, string(data))
	}
	var fb FeedbackResponse
	if err := json.Unmarshal(data, &fb); err != nil {
		t.Fatalf("unmarshal feedback response: %v", err)
	}
	if fb.Status != "recorded" || fb.ID == "" {
		t.Fatalf("unexpected feedback response: %+v", fb)
	}
}

func TestJourneyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/journey/state", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any journey stored, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/journey/state", map[string]any{
		"desired_state": map[string]any{
			"role":       "Staff Engineer",
			"timeline":   "6 months",
			"priorities": []string{"Ship the platform"},
		},
		"current_state": map[string]any{
			"status":   "heads_down",
			"momentum": "high",
		},
		"preferences": map[string]any{
			"work_hours":     "9:00-17:00",
			"energy_pattern": "morning_peak",
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put journey status %d: %s", res.StatusCode, string(data))
	}
	var stored domain.Journey
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal journey: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected generated journey id")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/journey/state", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get journey status %d: %s", res.StatusCode, string(data))
	}
	var fetched domain.Journey
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal journey: %v", err)
	}
	if fetched.ID != stored.ID || fetched.DesiredState.Role != "Staff Engineer" {
		t.Fatalf("unexpected journey: %+v", fetched)
	}

	// Replacing by id keeps the original created_at.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/journey/state", map[string]any{
		"id": stored.ID,
		"desired_state": map[string]any{
			"role":     "Principal Engineer",
			"timeline": "12 months",
		},
		"current_state": map[string]any{"status": "heads_down"},
		"preferences":   map[string]any{},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replace journey status %d: %s", res.StatusCode, string(data))
	}
	var replaced domain.Journey
	if err := json.Unmarshal(data, &replaced); err != nil {
		t.Fatalf("unmarshal journey: %v", err)
	}
	if replaced.CreatedAt != stored.CreatedAt {
		t.Fatalf("created_at changed on replace: %s != %s", replaced.CreatedAt, stored.CreatedAt)
	}
	if len(replaced.DesiredState.Priorities) != 0 {
		t.Fatalf("expected no priorities after replace, got %+v", replaced.DesiredState.Priorities)
	}
}

func TestJourneyValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/journey/state", map[string]any{
		"desired_state": map[string]any{"role": ""},
		"current_state": map[string]any{},
		"preferences":   map[string]any{},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing role, got %d: %s", res.StatusCode, string(data))
	}
}

func TestIngestRequiresSource(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/ingest/run", map[string]any{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when no source selected, got %d: %s", res.StatusCode, string(data))
	}
}

func TestIngestDryRunQuery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"issues": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": false},
					"nodes": []any{map[string]any{
						"id":         "iss-1",
						"identifier": "ENG-1",
						"title":      "Wire the report cache",
						"url":        "https://linear.app/acme/issue/ENG-1",
						"createdAt":  "2025-06-14T09:00:00Z",
						"updatedAt":  "2025-06-15T10:00:00Z",
						"state":      map[string]any{"id": "s1", "name": "In Progress", "type": "started"},
					}},
				},
			},
		})
	}))
	defer backend.Close()

	linear := ingest.NewLinear("key", "team-1", zap.NewNop())
	linear.BaseURL = backend.URL

	srv, cleanup := newTestServerWith(t, linear)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/ingest/run?dryRun=true", map[string]any{
		"linear": true,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var out IngestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal ingest response: %v", err)
	}
	if out.Linear == nil || out.Linear.IssuesProcessed != 1 {
		t.Fatalf("unexpected linear result: %+v", out.Linear)
	}
	if out.Linear.Inserted != 0 || out.Linear.EventsGenerated == 0 {
		t.Fatalf("dry run must preview without storing: %+v", out.Linear)
	}
}

func TestIngestMissingCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/ingest/run", map[string]any{
		"github": map[string]any{"owner": "acme", "repo": "pulse"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a github token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/analyze", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var out AnalyzeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal analyze response: %v", err)
	}
	if out.Metrics.PRsOpen48h != 0 || out.Metrics.TicketsMoved48h != 0 {
		t.Fatalf("expected zero metrics on empty store: %+v", out.Metrics)
	}
	if out.Events == nil {
		t.Fatal("expected empty events array, not null")
	}
}

func TestPublicReport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/report/public", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	var report engine.PublicReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.AsOf == "" {
		t.Fatal("expected as_of timestamp")
	}
	if report.RecentEvents == nil {
		t.Fatal("expected empty recent_events array, not null")
	}
}
