package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	apimw "github.com/hamed0406/domainhealth/internal/httpapi/middleware"
	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/notify"
	"github.com/hamed0406/domainhealth/internal/repo"
	"github.com/hamed0406/domainhealth/internal/repo/memory"
	"github.com/hamed0406/domainhealth/internal/scheduler"
)

// ---- test helpers ----

var t0 = time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

type fakeProber struct {
	mu  sync.Mutex
	out domain.ProbeResult
}

func (f *fakeProber) set(r domain.ProbeResult) {
	f.mu.Lock()
	f.out = r
	f.mu.Unlock()
}

func (f *fakeProber) Probe(_ context.Context, t domain.MonitorTarget) domain.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.out
	r.CheckedURL = t.URL("https")
	r.HTTPMethod = http.MethodGet
	return r
}

func down503() domain.ProbeResult {
	code := 503
	return domain.ProbeResult{StatusCode: &code, ErrorCode: domain.ErrHTTP, ErrorCause: "HTTP 503 Service Unavailable"}
}

func up200() domain.ProbeResult {
	code, ms := 200, 42
	return domain.ProbeResult{Success: true, StatusCode: &code, ResponseTimeMS: &ms}
}

// brokenTargets fails selected TargetStore calls on top of the memory store.
type brokenTargets struct {
	*memory.Store
	failList bool
	failMark bool
}

func (b *brokenTargets) ListMonitored(ctx context.Context) ([]domain.MonitorTarget, error) {
	if b.failList {
		return nil, errors.New("connection refused")
	}
	return b.Store.ListMonitored(ctx)
}

func (b *brokenTargets) MarkChecked(ctx context.Context, id domain.TargetID, at time.Time) error {
	if b.failMark {
		return errors.New("disk full")
	}
	return b.Store.MarkChecked(ctx, id, at)
}

type env struct {
	ts     *httptest.Server
	store  *brokenTargets
	prober *fakeProber
	now    time.Time
	nowMu  sync.Mutex
}

func (e *env) clock() time.Time {
	e.nowMu.Lock()
	defer e.nowMu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.nowMu.Lock()
	e.now = e.now.Add(d)
	e.nowMu.Unlock()
}

func setup(t *testing.T) *env {
	t.Helper()
	log := zap.NewNop()
	mem := memory.New()
	e := &env{store: &brokenTargets{Store: mem}, prober: &fakeProber{}, now: t0}
	e.prober.set(up200())

	ctx := context.Background()
	if err := mem.AddClient(ctx, &domain.Client{ID: "C1", Name: "Acme"}); err != nil {
		t.Fatal(err)
	}
	on, every := true, 5
	if err := mem.AddTarget(ctx, &domain.MonitorTarget{
		ID: "T1", ClientID: "C1", Host: "example.com",
		Config: domain.TargetConfig{Uptime: &on, UptimeInterval: &every},
	}); err != nil {
		t.Fatal(err)
	}

	engine := incident.NewEngine(mem, nil, nil, log)
	dispatcher := notify.NewDispatcher(mem, mem, notify.Options{}, log)
	alerts := scheduler.NewAlerter(dispatcher, false, log)
	sched := scheduler.New(log, e.store, e.prober, engine, alerts, e.clock, scheduler.Config{
		Timeout:     time.Second,
		Concurrency: 2,
	})

	srv := NewServer(log, mem, sched, engine, dispatcher)
	keys := apimw.Keys{
		Public: []string{"pub_test"},
		Admin:  []string{"adm_test"},
	}
	// very high rate limits to avoid flakiness in tests
	e.ts = httptest.NewServer(srv.Router(keys, nil, 10_000, 10_000, 10_000, 10_000))
	t.Cleanup(e.ts.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, key string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func decode(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
}

// ---- tests ----

func TestSweep_OutageThenRecovery(t *testing.T) {
	e := setup(t)
	e.prober.set(down503())

	code, body := e.do(t, http.MethodPost, "/api/monitor/sweep", "adm_test", nil)
	if code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", code, body)
	}
	var sum scheduler.SweepSummary
	decode(t, body, &sum)
	if sum.CheckedCount != 1 || len(sum.Results) != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	r := sum.Results[0]
	if r.Success || r.Action != incident.ActionOpened || r.CauseCode != domain.ErrHTTP || r.Host != "example.com" {
		t.Fatalf("unexpected result: %+v", r)
	}

	// not due again within the interval
	_, body = e.do(t, http.MethodPost, "/api/monitor/sweep", "adm_test", nil)
	decode(t, body, &sum)
	if sum.CheckedCount != 0 {
		t.Fatalf("target re-probed inside its interval: %+v", sum)
	}

	code, body = e.do(t, http.MethodGet, "/api/incidents?client_id=C1&status=ongoing", "pub_test", nil)
	if code != http.StatusOK {
		t.Fatalf("list incidents: %d %s", code, body)
	}
	var open []domain.Incident
	decode(t, body, &open)
	if len(open) != 1 || open[0].Title != "HTTP error: example.com" {
		t.Fatalf("expected one ongoing incident, got %+v", open)
	}

	e.advance(6 * time.Minute)
	e.prober.set(up200())
	_, body = e.do(t, http.MethodPost, "/api/monitor/sweep", "adm_test", nil)
	decode(t, body, &sum)
	if sum.CheckedCount != 1 || sum.Results[0].Action != incident.ActionResolved {
		t.Fatalf("expected recovery, got %+v", sum)
	}

	code, body = e.do(t, http.MethodGet, "/api/incidents/"+string(open[0].ID)+"/events", "pub_test", nil)
	if code != http.StatusOK {
		t.Fatalf("events: %d", code)
	}
	var evs []domain.IncidentEvent
	decode(t, body, &evs)
	if len(evs) != 2 || evs[0].Type != domain.EventCreated || evs[1].Type != domain.EventResolved {
		t.Fatalf("unexpected timeline: %+v", evs)
	}

	_, body = e.do(t, http.MethodGet, "/api/clients/C1/notifications", "pub_test", nil)
	var notes []domain.Notification
	decode(t, body, &notes)
	if len(notes) != 2 {
		t.Fatalf("expected outage + recovery notifications, got %d", len(notes))
	}
}

func TestSweep_SelectionFailure(t *testing.T) {
	e := setup(t)
	e.store.failList = true

	code, body := e.do(t, http.MethodPost, "/api/monitor/sweep", "adm_test", nil)
	if code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", code)
	}
	var out map[string]any
	decode(t, body, &out)
	if out["success"] != false || out["error"] == "" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestSweep_RequiresAdmin(t *testing.T) {
	e := setup(t)
	if code, _ := e.do(t, http.MethodPost, "/api/monitor/sweep", "pub_test", nil); code != http.StatusForbidden {
		t.Fatalf("public key on sweep: want 403, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/monitor/sweep", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no key on sweep: want 401, got %d", code)
	}
}

func TestCheckNow(t *testing.T) {
	e := setup(t)

	code, body := e.do(t, http.MethodPost, "/api/monitor/targets/T1/check", "adm_test", nil)
	if code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", code, body)
	}
	var out scheduler.CheckOutcome
	decode(t, body, &out)
	if !out.Success || out.Result.StatusCode == nil || *out.Result.StatusCode != 200 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// manual refresh ignores the interval
	if code, _ := e.do(t, http.MethodPost, "/api/monitor/targets/T1/check", "adm_test", nil); code != http.StatusOK {
		t.Fatalf("second manual check: %d", code)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/monitor/targets/nope/check", "adm_test", nil); code != http.StatusNotFound {
		t.Fatalf("unknown target: want 404, got %d", code)
	}
}

func TestCheckNow_StoreFailure(t *testing.T) {
	e := setup(t)
	e.store.failMark = true

	code, body := e.do(t, http.MethodPost, "/api/monitor/targets/T1/check", "adm_test", nil)
	if code != http.StatusBadGateway {
		t.Fatalf("want 502, got %d", code)
	}
	var out map[string]any
	decode(t, body, &out)
	if out["success"] != false {
		t.Fatalf("unexpected body: %s", body)
	}
	if msg, _ := out["error"].(string); msg != "mark checked: disk full" {
		t.Fatalf("cause not surfaced: %q", msg)
	}
}

func TestAddTarget_Normalizes_PatchKeepsUnknownKeys(t *testing.T) {
	e := setup(t)

	code, body := e.do(t, http.MethodPost, "/api/monitor/targets", "adm_test", map[string]any{
		"client_id": "C1",
		"host":      "HTTPS://Shop.Example.com/",
		"config":    map[string]any{"ssl": true, "owner": "ops"},
	})
	if code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", code, body)
	}
	var created struct {
		Target domain.MonitorTarget `json:"target"`
	}
	decode(t, body, &created)
	if created.Target.Host != "shop.example.com" {
		t.Fatalf("expected normalized host, got %q", created.Target.Host)
	}
	if !created.Target.Config.UptimeEnabled() || !created.Target.Config.SSLEnabled() {
		t.Fatalf("expected uptime and ssl on: %+v", created.Target.Config)
	}

	code, body = e.do(t, http.MethodPatch, "/api/monitor/targets/"+string(created.Target.ID), "adm_test", map[string]any{
		"uptimeInterval": 15,
	})
	if code != http.StatusOK {
		t.Fatalf("patch: %d %s", code, body)
	}
	var patched domain.MonitorTarget
	decode(t, body, &patched)
	if patched.Config.Interval(0) != 15*time.Minute {
		t.Fatalf("interval not updated: %+v", patched.Config)
	}
	if string(patched.Config.Extra["owner"]) != `"ops"` {
		t.Fatalf("unknown key lost: %+v", patched.Config.Extra)
	}

	// invalid input
	if code, _ := e.do(t, http.MethodPost, "/api/monitor/targets", "adm_test", map[string]any{"client_id": "C1", "host": "ftp://bad"}); code != http.StatusBadRequest {
		t.Fatalf("ftp host: want 400, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/monitor/targets", "adm_test", map[string]any{"client_id": "ghost", "host": "example.org"}); code != http.StatusBadRequest {
		t.Fatalf("unknown client: want 400, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPatch, "/api/monitor/targets/nope", "adm_test", map[string]any{"ssl": true}); code != http.StatusNotFound {
		t.Fatalf("patch unknown: want 404, got %d", code)
	}
}

func TestPatchTarget_RejectsInvalidRecognizedKeys(t *testing.T) {
	e := setup(t)

	for _, cfg := range []map[string]any{
		{"uptimeInterval": 0},
		{"uptimeInterval": -5},
		{"uptimeInterval": "soon"},
		{"ssl": "yes"},
	} {
		if code, body := e.do(t, http.MethodPatch, "/api/monitor/targets/T1", "adm_test", cfg); code != http.StatusBadRequest {
			t.Fatalf("patch %v: want 400, got %d: %s", cfg, code, body)
		}
	}
	if code, body := e.do(t, http.MethodPost, "/api/monitor/targets", "adm_test", map[string]any{
		"client_id": "C1",
		"host":      "example.org",
		"config":    map[string]any{"uptimeInterval": -1},
	}); code != http.StatusBadRequest {
		t.Fatalf("add with bad interval: want 400, got %d: %s", code, body)
	}

	got, err := e.store.GetTarget(context.Background(), "T1")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Config.Interval(0) != 5*time.Minute || len(got.Config.Extra) != 0 {
		t.Fatalf("rejected patch changed the stored config: %+v", got.Config)
	}

	// unknown keys still pass through
	if code, body := e.do(t, http.MethodPatch, "/api/monitor/targets/T1", "adm_test", map[string]any{"owner": "ops"}); code != http.StatusOK {
		t.Fatalf("unknown key patch: %d %s", code, body)
	}
}

func TestCommentAndManualResolve(t *testing.T) {
	e := setup(t)
	e.prober.set(down503())
	e.do(t, http.MethodPost, "/api/monitor/sweep", "adm_test", nil)

	_, body := e.do(t, http.MethodGet, "/api/incidents?status=ONGOING", "pub_test", nil)
	var open []domain.Incident
	decode(t, body, &open)
	if len(open) != 1 {
		t.Fatalf("expected one ongoing incident, got %d", len(open))
	}
	id := string(open[0].ID)

	code, body := e.do(t, http.MethodPost, "/api/incidents/"+id+"/comments", "adm_test", map[string]any{
		"user_id": "u1", "user_name": "alice", "message": "looking into it",
	})
	if code != http.StatusCreated {
		t.Fatalf("comment: %d %s", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/incidents/"+id+"/comments", "adm_test", map[string]any{"message": "  "}); code != http.StatusBadRequest {
		t.Fatalf("empty comment: want 400, got %d", code)
	}

	code, body = e.do(t, http.MethodPost, "/api/incidents/"+id+"/resolve", "adm_test", map[string]any{
		"user_id": "u1", "user_name": "alice", "message": "false alarm",
	})
	if code != http.StatusOK {
		t.Fatalf("resolve: %d %s", code, body)
	}
	var inc domain.Incident
	decode(t, body, &inc)
	if inc.Status != domain.StatusResolved || inc.ResolvedAt == nil {
		t.Fatalf("not resolved: %+v", inc)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/incidents/"+id+"/resolve", "adm_test", nil); code != http.StatusConflict {
		t.Fatalf("second resolve: want 409, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/incidents/nope/resolve", "adm_test", nil); code != http.StatusNotFound {
		t.Fatalf("unknown incident: want 404, got %d", code)
	}

	_, body = e.do(t, http.MethodGet, "/api/incidents/"+id+"/events", "pub_test", nil)
	var evs []domain.IncidentEvent
	decode(t, body, &evs)
	if len(evs) != 3 || evs[1].Type != domain.EventComment || evs[1].UserName != "alice" || evs[2].Type != domain.EventResolved {
		t.Fatalf("unexpected timeline: %+v", evs)
	}

	_, body = e.do(t, http.MethodGet, "/api/clients/C1/notifications?unread=true", "pub_test", nil)
	var notes []domain.Notification
	decode(t, body, &notes)
	if len(notes) != 2 || notes[0].Kind != domain.NotifyIncidentResolved {
		t.Fatalf("expected recovery notification first, got %+v", notes)
	}
}

func TestClientsAndTestNotification(t *testing.T) {
	e := setup(t)

	code, body := e.do(t, http.MethodPost, "/api/clients", "adm_test", map[string]any{"name": "Globex"})
	if code != http.StatusCreated {
		t.Fatalf("add client: %d %s", code, body)
	}
	var c domain.Client
	decode(t, body, &c)
	if c.ID == "" || c.Name != "Globex" {
		t.Fatalf("unexpected client: %+v", c)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/clients", "adm_test", map[string]any{}); code != http.StatusBadRequest {
		t.Fatalf("nameless client: want 400, got %d", code)
	}

	code, body = e.do(t, http.MethodPost, "/api/clients/"+string(c.ID)+"/notifications/test", "adm_test", nil)
	if code != http.StatusOK {
		t.Fatalf("test notification: %d %s", code, body)
	}
	var out struct {
		Success bool          `json:"success"`
		Result  notify.Result `json:"result"`
	}
	decode(t, body, &out)
	if !out.Success || out.Result.NotificationID == "" || out.Result.EmailSent || out.Result.SlackSent {
		t.Fatalf("unexpected result: %+v", out)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/clients/ghost/notifications/test", "adm_test", nil); code != http.StatusNotFound {
		t.Fatalf("unknown client: want 404, got %d", code)
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	e := setup(t)
	code, body := e.do(t, http.MethodGet, "/api/incidents/nope", "pub_test", nil)
	if code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", code)
	}
	var out map[string]any
	decode(t, body, &out)
	if out["error"] != "incident not found" {
		t.Fatalf("unexpected body: %s", body)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/incidents?status=BROKEN", "pub_test", nil); code != http.StatusBadRequest {
		t.Fatalf("bad status filter: want 400, got %d", code)
	}
}

var _ repo.TargetStore = (*brokenTargets)(nil)
