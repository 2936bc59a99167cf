package sigmaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/sigma"
	"secops-toolkit/internal/storage"
)

const whoamiRule = `title: Whoami Execution
id: 502b42de-4306-40b4-9596-6f590c81f073
level: medium
logsource:
  category: process_creation
  product: windows
detection:
  selection:
    CommandLine|contains: whoami
  condition: selection
`

type fakeSyncer struct {
	mu     sync.Mutex
	synced []string
}

func (f *fakeSyncer) Sync(ctx context.Context, lib *storage.SigmaLibrary) (*sigma.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, lib.Name)
	return &sigma.SyncResult{}, nil
}

type fakeConverter struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeConverter) ConvertRules(ctx context.Context, ids []int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, ids...)
	return len(ids)
}

type fakeRuleClient struct {
	mu         sync.Mutex
	created    []string
	createErr  error
	verify     *chronicle.Verification
	verifyErr  error
	results    []chronicle.TestResult
	testErr    error
	start, end time.Time
	maxResults int

	// started, when set, makes CreateRule close it and block until ctx ends.
	started chan struct{}
}

func (f *fakeRuleClient) CreateRule(ctx context.Context, text string) (*chronicle.Rule, error) {
	if f.started != nil {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, text)
	return &chronicle.Rule{Name: "projects/p/locations/us/instances/c/rules/ru_123"}, nil
}

func (f *fakeRuleClient) VerifyRule(ctx context.Context, text string) (*chronicle.Verification, error) {
	return f.verify, f.verifyErr
}

func (f *fakeRuleClient) RunRuleTest(ctx context.Context, text string, start, end time.Time, maxResults int, fn func(chronicle.TestResult) error) error {
	f.mu.Lock()
	f.start, f.end, f.maxResults = start, end, maxResults
	f.mu.Unlock()
	for _, r := range f.results {
		if err := fn(r); err != nil {
			return err
		}
	}
	return f.testErr
}

type testServer struct {
	db        *storage.DB
	mux       *http.ServeMux
	h         *Handler
	syncer    *fakeSyncer
	converter *fakeConverter
	client    *fakeRuleClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := storage.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "sigma.db")
	db, err := storage.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ts := &testServer{
		db:        db,
		mux:       http.NewServeMux(),
		syncer:    &fakeSyncer{},
		converter: &fakeConverter{},
		client:    &fakeRuleClient{},
	}
	ts.h = New(Deps{
		Store:     db,
		Syncer:    ts.syncer,
		Converter: ts.converter,
		Rules: func(ctx context.Context, tn *storage.Tenant) (RuleClient, error) {
			return ts.client, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts.h.now = func() time.Time { return time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(ts.h.Close)
	ts.h.RegisterRoutes(ts.mux)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (ts *testServer) seedTenant(t *testing.T) *storage.Tenant {
	t.Helper()
	tn, err := ts.db.CreateTenant(context.Background(), &storage.Tenant{
		Name: "Acme", GUID: "c-1", Region: "us", GCPProjectID: "acme-proj", IsDefault: true,
	})
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	return tn
}

// seedRules creates a library with one Sigma rule and its YARA-L conversion.
func (ts *testServer) seedRules(t *testing.T) (*storage.SigmaRule, *storage.YaraLRule) {
	t.Helper()
	ctx := context.Background()
	lib, err := ts.db.CreateLibrary(ctx, &storage.SigmaLibrary{Name: "core", SourcePath: "/srv/sigma"})
	if err != nil {
		t.Fatalf("CreateLibrary() error = %v", err)
	}
	rule, err := ts.db.UpsertSigmaRule(ctx, &storage.SigmaRule{
		LibraryID:  lib.ID,
		FilePath:   "rules/windows/whoami.yml",
		RawContent: whoamiRule,
		Title:      "Whoami Execution",
		SigmaID:    "502b42de-4306-40b4-9596-6f590c81f073",
		Level:      "medium",
		Tags:       []string{"attack.discovery"},
	})
	if err != nil {
		t.Fatalf("UpsertSigmaRule() error = %v", err)
	}
	yl, err := ts.db.UpsertYaraLRule(ctx, rule.ID, "rule whoami {}", storage.SourceConverter)
	if err != nil {
		t.Fatalf("UpsertYaraLRule() error = %v", err)
	}
	return rule, yl
}

func TestLibrarySync(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/libraries", map[string]string{
		"name": "SigmaHQ", "source_path": "https://github.com/SigmaHQ/sigma.git",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create library status = %d, body %s", rec.Code, rec.Body)
	}
	lib := decode[storage.SigmaLibrary](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/libraries/999/sync", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("sync unknown library status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/libraries/"+itoa(lib.ID)+"/sync", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sync status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[statusResponse](t, rec)
	if resp.Status != "sync_started" || resp.Message != "Sync job initiated for library SigmaHQ." {
		t.Errorf("sync response = %+v", resp)
	}
	ts.h.Wait()
	if len(ts.syncer.synced) != 1 || ts.syncer.synced[0] != "SigmaHQ" {
		t.Errorf("synced = %v, want [SigmaHQ]", ts.syncer.synced)
	}

	libs := decode[[]storage.SigmaLibrary](t, ts.do(t, http.MethodGet, "/api/libraries", nil))
	if len(libs) != 1 {
		t.Errorf("libraries = %d, want 1", len(libs))
	}
}

func TestSigmaRulesListAndGet(t *testing.T) {
	ts := newTestServer(t)
	rule, _ := ts.seedRules(t)

	rules := decode[[]storage.SigmaRule](t, ts.do(t, http.MethodGet, "/api/sigma-rules?level=medium&search=whoami", nil))
	if len(rules) != 1 || rules[0].Title != "Whoami Execution" {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].RawContent != "" {
		t.Error("list should omit raw content")
	}

	rules = decode[[]storage.SigmaRule](t, ts.do(t, http.MethodGet, "/api/sigma-rules?level=high", nil))
	if len(rules) != 0 {
		t.Errorf("level=high rules = %d, want 0", len(rules))
	}

	rec := ts.do(t, http.MethodGet, "/api/sigma-rules?rule_ids=1,x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad rule_ids status = %d, want 400", rec.Code)
	}

	got := decode[storage.SigmaRule](t, ts.do(t, http.MethodGet, "/api/sigma-rules/"+itoa(rule.ID), nil))
	if got.RawContent == "" || len(got.Tags) != 1 {
		t.Errorf("rule = %+v, want raw content and tags", got)
	}
}

func TestConvertRules(t *testing.T) {
	ts := newTestServer(t)
	rule, _ := ts.seedRules(t)

	rec := ts.do(t, http.MethodPost, "/api/sigma-rules/convert", map[string]any{"sigma_rule_ids": []int64{rule.ID, 999}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("convert unknown id status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/sigma-rules/convert", map[string]any{"sigma_rule_ids": []int64{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("convert empty status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/sigma-rules/convert", map[string]any{"sigma_rule_ids": []int64{rule.ID, rule.ID}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("convert status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[statusResponse](t, rec)
	if resp.Status != "conversion_started" || resp.Message != "Conversion job initiated for 1 rules." {
		t.Errorf("convert response = %+v", resp)
	}
	ts.h.Wait()
	if len(ts.converter.ids) != 1 || ts.converter.ids[0] != rule.ID {
		t.Errorf("converted = %v, want [%d]", ts.converter.ids, rule.ID)
	}
}

func TestMatchRule(t *testing.T) {
	ts := newTestServer(t)
	rule, _ := ts.seedRules(t)

	rec := ts.do(t, http.MethodPost, "/api/sigma-rules/"+itoa(rule.ID)+"/match", map[string]any{
		"events": []map[string]any{
			{"CommandLine": "cmd.exe /c whoami /all"},
			{"CommandLine": "notepad.exe"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("match status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[matchResponse](t, rec)
	if resp.Matched != 1 || len(resp.Results) != 2 || !resp.Results[0].Match || resp.Results[1].Match {
		t.Errorf("match response = %+v", resp)
	}
}

func TestYaraLEdit(t *testing.T) {
	ts := newTestServer(t)
	_, yl := ts.seedRules(t)

	rules := decode[[]storage.YaraLRule](t, ts.do(t, http.MethodGet, "/api/yaral-rules?search=whoami", nil))
	if len(rules) != 1 {
		t.Fatalf("yaral rules = %d, want 1", len(rules))
	}

	rec := ts.do(t, http.MethodPut, "/api/yaral-rules/"+itoa(yl.ID), map[string]string{"converted_content": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, "/api/yaral-rules/"+itoa(yl.ID), map[string]string{"converted_content": "rule edited {}"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[storage.YaraLRule](t, rec)
	if got.ConvertedContent != "rule edited {}" || got.Source != storage.SourceManualEdit {
		t.Errorf("updated rule = %+v", got)
	}
}

func TestVerifyYaraL(t *testing.T) {
	ts := newTestServer(t)
	_, yl := ts.seedRules(t)
	path := "/api/yaral-rules/" + itoa(yl.ID) + "/verify"

	rec := ts.do(t, http.MethodPost, path, nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "No tenants configured for validation") {
		t.Errorf("verify without tenant = %d %s", rec.Code, rec.Body)
	}

	ts.seedTenant(t)
	ts.client.verify = &chronicle.Verification{Success: false, Message: "syntax error", Position: chronicle.Position{"startLine": 3}}
	v := decode[chronicle.Verification](t, ts.do(t, http.MethodPost, path, nil))
	if v.Success || v.Message != "syntax error" || v.Position["startLine"] != 3 {
		t.Errorf("verification = %+v", v)
	}

	ts.client.verifyErr = errors.New("upstream unavailable")
	rec = ts.do(t, http.MethodPost, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify error status = %d, want 200", rec.Code)
	}
	v = decode[chronicle.Verification](t, rec)
	if v.Success || v.Message != "upstream unavailable" {
		t.Errorf("verification on error = %+v", v)
	}

	rec = ts.do(t, http.MethodPost, "/api/yaral-rules/999/verify", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("verify unknown rule status = %d, want 404", rec.Code)
	}
}

func TestTestYaraLStreams(t *testing.T) {
	ts := newTestServer(t)
	_, yl := ts.seedRules(t)
	path := "/api/yaral-rules/" + itoa(yl.ID) + "/test"

	rec := ts.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("test without tenant status = %d, want 404", rec.Code)
	}

	ts.seedTenant(t)
	rec = ts.do(t, http.MethodGet, path+"?max_results=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("max_results=0 status = %d, want 400", rec.Code)
	}

	ts.client.results = []chronicle.TestResult{
		{"type": "progress", "percent": 50.0},
		{"type": "detection", "detection": map[string]any{"id": "de_1"}},
	}
	ts.client.testErr = errors.New("stream broken")
	rec = ts.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("test status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(events) != 3 {
		t.Fatalf("events = %q, want 3", events)
	}
	var last map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[2], "data: ")), &last); err != nil {
		t.Fatal(err)
	}
	if last["type"] != "error" || last["message"] != "stream broken" {
		t.Errorf("error event = %v", last)
	}
	if !strings.Contains(events[1], `"detection"`) {
		t.Errorf("second event = %q", events[1])
	}

	now := ts.h.now()
	if !ts.client.start.Equal(now.Add(-192*time.Hour)) || !ts.client.end.Equal(now.Add(-24*time.Hour)) {
		t.Errorf("window = %v..%v", ts.client.start, ts.client.end)
	}
	if ts.client.maxResults != DefaultMaxResults {
		t.Errorf("maxResults = %d, want %d", ts.client.maxResults, DefaultMaxResults)
	}
}

func TestDeployments(t *testing.T) {
	ts := newTestServer(t)
	_, yl := ts.seedRules(t)
	tn := ts.seedTenant(t)

	rec := ts.do(t, http.MethodPost, "/api/deployments", map[string]int64{"yaral_rule_id": yl.ID, "tenant_id": 999})
	if rec.Code != http.StatusNotFound {
		t.Errorf("deploy to unknown tenant status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/deployments", map[string]int64{"yaral_rule_id": yl.ID, "tenant_id": tn.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deploy status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[map[string]any](t, rec)
	if resp["status"] != "deployment_started" {
		t.Errorf("deploy response = %v", resp)
	}
	ts.h.Wait()

	deps := decode[[]storage.Deployment](t, ts.do(t, http.MethodGet, "/api/deployments?tenant_id="+itoa(tn.ID), nil))
	if len(deps) != 1 {
		t.Fatalf("deployments = %d, want 1", len(deps))
	}
	if deps[0].Status != storage.DeploymentLive || deps[0].ChronicleRuleID != "ru_123" || deps[0].DeployedAt == nil {
		t.Errorf("deployment = %+v", deps[0])
	}

	ts.client.createErr = errors.New("rule already exists")
	ts.do(t, http.MethodPost, "/api/deployments", map[string]int64{"yaral_rule_id": yl.ID, "tenant_id": tn.ID})
	ts.h.Wait()
	deps = decode[[]storage.Deployment](t, ts.do(t, http.MethodGet, "/api/deployments", nil))
	if len(deps) != 2 {
		t.Fatalf("deployments = %d, want 2", len(deps))
	}
	var failed int
	for _, d := range deps {
		if d.Status == storage.DeploymentError && d.ErrorMessage == "rule already exists" {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed deployments = %d, want 1: %+v", failed, deps)
	}
}

func TestDeploymentCancelledOnCloseRecordsFailure(t *testing.T) {
	ts := newTestServer(t)
	_, yl := ts.seedRules(t)
	tn := ts.seedTenant(t)
	ts.client.started = make(chan struct{})

	rec := ts.do(t, http.MethodPost, "/api/deployments", map[string]int64{"yaral_rule_id": yl.ID, "tenant_id": tn.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deploy status = %d, body %s", rec.Code, rec.Body)
	}
	select {
	case <-ts.client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("deployment never reached CreateRule")
	}
	ts.h.Close()

	deps, err := ts.db.ListDeployments(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("deployments = %d, want 1", len(deps))
	}
	if deps[0].Status != storage.DeploymentError {
		t.Errorf("status = %q, want %q", deps[0].Status, storage.DeploymentError)
	}
	if !strings.Contains(deps[0].ErrorMessage, "context canceled") {
		t.Errorf("error message = %q", deps[0].ErrorMessage)
	}
}

func TestTenantsMaskKey(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/tenants", map[string]any{
		"name": "Acme", "guid": "c-1", "region": "us", "gcp_project_id": "p",
		"soar_url": "https://acme.siemplify-soar.com", "soar_api_key": "abcd1234efgh5678",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tenant status = %d, body %s", rec.Code, rec.Body)
	}
	tenants := decode[[]storage.Tenant](t, ts.do(t, http.MethodGet, "/api/tenants", nil))
	if len(tenants) != 1 || tenants[0].SOARAPIKey != "abcd****5678" {
		t.Errorf("tenants = %+v", tenants)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
