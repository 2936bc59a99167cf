// Package sigmaapi serves the Sigma rule manager API: libraries, rule
// conversion, YARA-L editing and testing, and deployments to tenants.
package sigmaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"secops-toolkit/internal/api"
	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/logging"
	"secops-toolkit/internal/sigma"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/validation"
)

// Rule test window and result cap.
const (
	TestWindowStart   = 192 * time.Hour
	TestWindowEnd     = 24 * time.Hour
	DefaultMaxResults = 100
)

// Store is the repository surface used by the handlers. *storage.DB implements it.
type Store interface {
	CreateTenant(ctx context.Context, t *storage.Tenant) (*storage.Tenant, error)
	ListTenants(ctx context.Context) ([]storage.Tenant, error)
	GetTenant(ctx context.Context, id int64) (*storage.Tenant, error)
	DefaultTenant(ctx context.Context) (*storage.Tenant, error)

	CreateLibrary(ctx context.Context, lib *storage.SigmaLibrary) (*storage.SigmaLibrary, error)
	GetLibrary(ctx context.Context, id int64) (*storage.SigmaLibrary, error)
	ListLibraries(ctx context.Context) ([]storage.SigmaLibrary, error)

	GetSigmaRule(ctx context.Context, id int64) (*storage.SigmaRule, error)
	ListSigmaRules(ctx context.Context, f storage.RuleFilter) ([]storage.SigmaRule, error)
	CountSigmaRules(ctx context.Context, ids []int64) (int, error)

	GetYaraLRule(ctx context.Context, id int64) (*storage.YaraLRule, error)
	ListYaraLRules(ctx context.Context, search string) ([]storage.YaraLRule, error)
	UpdateYaraLContent(ctx context.Context, id int64, content string) (*storage.YaraLRule, error)

	CreateDeployment(ctx context.Context, yaralRuleID, tenantID int64) (*storage.Deployment, error)
	ListDeployments(ctx context.Context, tenantID int64) ([]storage.Deployment, error)
	MarkDeploymentLive(ctx context.Context, id int64, chronicleRuleID string, at time.Time) error
	MarkDeploymentFailed(ctx context.Context, id int64, errMsg string) error
}

// Syncer imports a library's rules. *sigma.Syncer implements it.
type Syncer interface {
	Sync(ctx context.Context, lib *storage.SigmaLibrary) (*sigma.SyncResult, error)
}

// Converter converts stored rules. *sigma.Converter implements it.
type Converter interface {
	ConvertRules(ctx context.Context, ids []int64) int
}

// RuleClient is the Chronicle rule surface. *chronicle.Client implements it.
type RuleClient interface {
	CreateRule(ctx context.Context, text string) (*chronicle.Rule, error)
	VerifyRule(ctx context.Context, text string) (*chronicle.Verification, error)
	RunRuleTest(ctx context.Context, text string, start, end time.Time, maxResults int, fn func(chronicle.TestResult) error) error
}

// RuleClientFactory builds a RuleClient for a tenant.
type RuleClientFactory func(ctx context.Context, t *storage.Tenant) (RuleClient, error)

// Deps are the collaborators of a Handler.
type Deps struct {
	Store     Store
	Syncer    Syncer
	Converter Converter
	Rules     RuleClientFactory
	Logger    *slog.Logger
}

// Handler serves the Sigma manager API. Sync, convert and deploy requests
// run in the background; Close cancels and waits for them.
type Handler struct {
	store     Store
	syncer    Syncer
	converter Converter
	rules     RuleClientFactory
	validate  *validation.Validator
	logger    *slog.Logger
	now       func() time.Time

	bg     context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

// statusWriteTimeout bounds terminal status writes made after shutdown began.
const statusWriteTimeout = 5 * time.Second

// New creates a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Handler{
		store:     d.Store,
		syncer:    d.Syncer,
		converter: d.Converter,
		rules:     d.Rules,
		validate:  validation.New(),
		logger:    logger,
		now:       time.Now,
		bg:        bg,
		cancel:    cancel,
	}
}

// RegisterRoutes registers the Sigma manager routes under /api.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tenants", h.createTenant)
	mux.HandleFunc("GET /api/tenants", h.listTenants)

	mux.HandleFunc("POST /api/libraries", h.createLibrary)
	mux.HandleFunc("GET /api/libraries", h.listLibraries)
	mux.HandleFunc("POST /api/libraries/{id}/sync", h.syncLibrary)

	mux.HandleFunc("GET /api/sigma-rules", h.listRules)
	mux.HandleFunc("GET /api/sigma-rules/{id}", h.getRule)
	mux.HandleFunc("POST /api/sigma-rules/convert", h.convertRules)
	mux.HandleFunc("POST /api/sigma-rules/{id}/match", h.matchRule)

	mux.HandleFunc("GET /api/yaral-rules", h.listYaraL)
	mux.HandleFunc("GET /api/yaral-rules/{id}", h.getYaraL)
	mux.HandleFunc("PUT /api/yaral-rules/{id}", h.updateYaraL)
	mux.HandleFunc("POST /api/yaral-rules/{id}/verify", h.verifyYaraL)
	mux.HandleFunc("GET /api/yaral-rules/{id}/test", h.testYaraL)

	mux.HandleFunc("GET /api/deployments", h.listDeployments)
	mux.HandleFunc("POST /api/deployments", h.createDeployment)
}

// Close cancels background jobs and waits for them to return.
func (h *Handler) Close() {
	h.cancel()
	h.jobs.Wait()
}

// Wait blocks until every background job has finished.
func (h *Handler) Wait() {
	h.jobs.Wait()
}

func (h *Handler) background(name string, fn func(ctx context.Context)) {
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("background job panicked", "job", name, "panic", r)
			}
		}()
		fn(h.bg)
	}()
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	api.WriteErr(w, h.logger, err)
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func tenantView(t storage.Tenant) storage.Tenant {
	if t.SOARAPIKey != "" {
		t.SOARAPIKey = logging.MaskAPIKey(t.SOARAPIKey)
	}
	return t
}

func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request) {
	var t storage.Tenant
	if err := api.DecodeJSON(w, r, &t); err != nil {
		h.fail(w, err)
		return
	}
	t.Normalize()
	if err := h.validate.Struct(&t); err != nil {
		h.fail(w, err)
		return
	}
	created, err := h.store.CreateTenant(r.Context(), &t)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, tenantView(*created))
}

func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	for i := range tenants {
		tenants[i] = tenantView(tenants[i])
	}
	api.WriteJSON(w, http.StatusOK, tenants)
}

func (h *Handler) createLibrary(w http.ResponseWriter, r *http.Request) {
	var lib storage.SigmaLibrary
	if err := api.DecodeJSON(w, r, &lib); err != nil {
		h.fail(w, err)
		return
	}
	lib.Name = strings.TrimSpace(lib.Name)
	lib.SourcePath = strings.TrimSpace(lib.SourcePath)
	if err := h.validate.Struct(&lib); err != nil {
		h.fail(w, err)
		return
	}
	created, err := h.store.CreateLibrary(r.Context(), &lib)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) listLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.store.ListLibraries(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, libs)
}

func (h *Handler) syncLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	lib, err := h.store.GetLibrary(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.background("sync", func(ctx context.Context) {
		if _, err := h.syncer.Sync(ctx, lib); err != nil {
			h.logger.Error("sigma library sync failed", "library", lib.Name, "error", err)
		}
	})
	api.WriteJSON(w, http.StatusAccepted, statusResponse{
		Status:  "sync_started",
		Message: fmt.Sprintf("Sync job initiated for library %s.", lib.Name),
	})
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, api.BadRequest("invalid request: rule_ids must be a comma separated list of ids")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	libraryID, err := api.QueryID(r, "library_id")
	if err != nil {
		h.fail(w, err)
		return
	}
	ids, err := parseIDList(q.Get("rule_ids"))
	if err != nil {
		h.fail(w, err)
		return
	}

	rules, err := h.store.ListSigmaRules(r.Context(), storage.RuleFilter{
		LibraryID: libraryID,
		Status:    q.Get("status"),
		Level:     q.Get("level"),
		Search:    q.Get("search"),
		Tag:       q.Get("tag"),
		RuleIDs:   ids,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	for i := range rules {
		rules[i].RawContent = ""
	}
	api.WriteJSON(w, http.StatusOK, rules)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	rule, err := h.store.GetSigmaRule(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rule)
}

type convertRequest struct {
	SigmaRuleIDs []int64 `json:"sigma_rule_ids" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) convertRules(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}

	ids := dedupe(req.SigmaRuleIDs)
	n, err := h.store.CountSigmaRules(r.Context(), ids)
	if err != nil {
		h.fail(w, err)
		return
	}
	if n != len(ids) {
		h.fail(w, api.NotFound("one or more rule ids not found"))
		return
	}

	h.background("convert", func(ctx context.Context) {
		h.converter.ConvertRules(ctx, ids)
	})
	api.WriteJSON(w, http.StatusAccepted, statusResponse{
		Status:  "conversion_started",
		Message: fmt.Sprintf("Conversion job initiated for %d rules.", len(ids)),
	})
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type matchRequest struct {
	Events []map[string]any `json:"events" validate:"required,min=1"`
}

type matchResponse struct {
	RuleID  int64               `json:"rule_id"`
	Title   string              `json:"title"`
	Matched int                 `json:"matched"`
	Results []sigma.MatchResult `json:"results"`
}

func (h *Handler) matchRule(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req matchRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}
	rule, err := h.store.GetSigmaRule(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	results, err := sigma.Evaluate(r.Context(), []byte(rule.RawContent), req.Events)
	if err != nil {
		h.fail(w, api.BadRequest("%v", err))
		return
	}
	resp := matchResponse{RuleID: rule.ID, Title: rule.Title, Results: results}
	for _, res := range results {
		if res.Match {
			resp.Matched++
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) listYaraL(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListYaraLRules(r.Context(), strings.TrimSpace(r.URL.Query().Get("search")))
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rules)
}

func (h *Handler) getYaraL(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	rule, err := h.store.GetYaraLRule(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rule)
}

type yaralUpdate struct {
	ConvertedContent string `json:"converted_content" validate:"required"`
}

func (h *Handler) updateYaraL(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req yaralUpdate
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}
	rule, err := h.store.UpdateYaraLContent(r.Context(), id, req.ConvertedContent)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rule)
}

// ruleTarget loads a YARA-L rule and the default tenant. noTenant is the
// 404 message used when no tenant exists.
func (h *Handler) ruleTarget(ctx context.Context, id int64, noTenant string) (*storage.YaraLRule, *storage.Tenant, error) {
	rule, err := h.store.GetYaraLRule(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tenant, err := h.store.DefaultTenant(ctx)
	if storage.IsNotFound(err) {
		return nil, nil, api.NotFound("%s", noTenant)
	}
	if err != nil {
		return nil, nil, err
	}
	return rule, tenant, nil
}

func (h *Handler) verifyYaraL(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	rule, tenant, err := h.ruleTarget(r.Context(), id, "No tenants configured for validation")
	if err != nil {
		h.fail(w, err)
		return
	}

	v, err := h.verify(r.Context(), tenant, rule.ConvertedContent)
	if err != nil {
		h.logger.Warn("rule verification failed", "yaral_rule_id", id, "error", err)
		api.WriteJSON(w, http.StatusOK, chronicle.Verification{
			Success: false,
			Message: logging.MaskSensitivePatterns(err.Error()),
		})
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) verify(ctx context.Context, tenant *storage.Tenant, text string) (*chronicle.Verification, error) {
	client, err := h.rules(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return client.VerifyRule(ctx, text)
}

func (h *Handler) testYaraL(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	maxResults := DefaultMaxResults
	if raw := r.URL.Query().Get("max_results"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > chronicle.MaxTestResults {
			h.fail(w, api.BadRequest("invalid request: max_results must be between 1 and %d", chronicle.MaxTestResults))
			return
		}
		maxResults = n
	}
	rule, tenant, err := h.ruleTarget(r.Context(), id, "No tenants configured")
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	now := h.now().UTC()
	h.logger.Info("rule test started", "yaral_rule_id", id, "tenant", tenant.Name)
	err = func() error {
		client, err := h.rules(r.Context(), tenant)
		if err != nil {
			return err
		}
		return client.RunRuleTest(r.Context(), rule.ConvertedContent,
			now.Add(-TestWindowStart), now.Add(-TestWindowEnd), maxResults,
			func(res chronicle.TestResult) error { return send(res) })
	}()
	if err != nil {
		h.logger.Error("rule test failed", "yaral_rule_id", id, "error", err)
		send(map[string]any{"type": "error", "message": logging.MaskSensitivePatterns(err.Error())})
	}
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	tenantID, err := api.QueryID(r, "tenant_id")
	if err != nil {
		h.fail(w, err)
		return
	}
	deps, err := h.store.ListDeployments(r.Context(), tenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, deps)
}

type deployRequest struct {
	YaraLRuleID int64 `json:"yaral_rule_id" validate:"required,gt=0"`
	TenantID    int64 `json:"tenant_id" validate:"required,gt=0"`
}

func (h *Handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}

	rule, err := h.store.GetYaraLRule(r.Context(), req.YaraLRuleID)
	if err != nil {
		h.fail(w, err)
		return
	}
	tenant, err := h.store.GetTenant(r.Context(), req.TenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	dep, err := h.store.CreateDeployment(r.Context(), rule.ID, tenant.ID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.background("deploy", func(ctx context.Context) {
		h.deploy(ctx, dep.ID, rule, tenant)
	})
	api.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":        "deployment_started",
		"deployment_id": dep.ID,
	})
}

func (h *Handler) deploy(ctx context.Context, depID int64, rule *storage.YaraLRule, tenant *storage.Tenant) {
	logger := h.logger.With("deployment_id", depID, "tenant", tenant.Name)

	created, err := func() (*chronicle.Rule, error) {
		client, err := h.rules(ctx, tenant)
		if err != nil {
			return nil, err
		}
		return client.CreateRule(ctx, rule.ConvertedContent)
	}()
	// The outcome is recorded even when Close cancelled ctx mid-deploy.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err != nil {
		logger.Error("rule deployment failed", "error", err)
		if err := h.store.MarkDeploymentFailed(wctx, depID, logging.MaskSensitivePatterns(err.Error())); err != nil {
			logger.Error("failed to record deployment failure", "error", err)
		}
		return
	}

	if err := h.store.MarkDeploymentLive(wctx, depID, created.ID(), h.now().UTC()); err != nil {
		logger.Error("failed to record deployment", "error", err)
		return
	}
	logger.Info("rule deployed", "chronicle_rule_id", created.ID())
}
