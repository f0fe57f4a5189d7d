package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/policy"
)

// fakeQueryableSink is an in-memory audit sink used only to exercise
// GET /audit without standing up a real database.
type fakeQueryableSink struct {
	entries []audit.Entry
}

func (f *fakeQueryableSink) Write(e audit.Entry) { f.entries = append(f.entries, e) }
func (f *fakeQueryableSink) Close() error        { return nil }
func (f *fakeQueryableSink) Query(q audit.Query) ([]audit.Entry, error) {
	out := make([]audit.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func newTestServer() *Server {
	engine := policy.NewEngine(policy.PresetRuleSet("yolo"))
	sink := &fakeQueryableSink{}
	store := audit.NewStore(audit.NewRedactor(nil), sink)
	reg := metrics.New()
	return New(Config{
		Version: "test",
		Policy:  engine,
		Audit:   store,
		Metrics: reg,
		Checks: map[string]Checker{
			"store": CheckerFunc(func() bool { return true }),
		},
	})
}

func TestHandleHealth_ReportsOKWhenAllChecksPass(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.Checks["store"] {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestHandleHealth_DegradedWhenACheckFails(t *testing.T) {
	engine := policy.NewEngine(policy.DefaultRuleSet())
	s := New(Config{
		Policy: engine,
		Checks: map[string]Checker{
			"store": CheckerFunc(func() bool { return true }),
			"db":    CheckerFunc(func() bool { return false }),
		},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", body.Status)
	}
}

func TestHandleEvaluate_AllowsFileReadUnderYoloPreset(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(evaluateRequest{
		Tool: "fs.read",
		Args: map[string]any{"path": "/workspace/a.txt"},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp evaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Decision != policy.DecisionAllow {
		t.Fatalf("expected allow, got %q (%s)", resp.Decision, resp.Reason)
	}
}

func TestHandleEvaluate_RejectsUnknownTool(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(evaluateRequest{Tool: "teleport"})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEvaluate_RejectsMissingPath(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(evaluateRequest{Tool: "fs.write", Args: map[string]any{}})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStats_ReflectsRecordedActivity(t *testing.T) {
	s := newTestServer()
	s.cfg.Metrics.RecordMessage("chat")
	s.cfg.Metrics.IncConnections(1)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats metrics.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ConnectionsActive != 1 || stats.MessagesByType["chat"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHandleMetrics_ServesPrometheusExposition(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleAudit_ReturnsRecordedEntriesFilteredBySince(t *testing.T) {
	s := newTestServer()
	old := audit.Entry{Timestamp: time.Now().Add(-time.Hour), Actor: "a1", Action: "tool.denied", Outcome: audit.OutcomeFailure}
	recent := audit.Entry{Timestamp: time.Now(), Actor: "a2", Action: "tool.allowed", Outcome: audit.OutcomeSuccess}
	s.cfg.Audit.Record(old)
	s.cfg.Audit.Record(recent)

	since := time.Now().Add(-time.Minute).Format(time.RFC3339)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?since="+since, nil))

	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Actor != "a2" {
		t.Fatalf("expected only the recent entry, got %+v", body.Entries)
	}
}

func TestHandleAudit_ServiceUnavailableWithoutStore(t *testing.T) {
	s := New(Config{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
