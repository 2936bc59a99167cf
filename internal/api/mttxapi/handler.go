// Package mttxapi serves the MTTx dashboard API: tenants, metric settings,
// ad-hoc analyses, schedules and their destinations.
package mttxapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"secops-toolkit/internal/api"
	"secops-toolkit/internal/logging"
	"secops-toolkit/internal/mttx"
	"secops-toolkit/internal/soar"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/validation"
)

// Store is the repository surface used by the handlers. *storage.DB implements it.
type Store interface {
	CreateTenant(ctx context.Context, t *storage.Tenant) (*storage.Tenant, error)
	UpdateTenant(ctx context.Context, id int64, t *storage.Tenant) (*storage.Tenant, error)
	GetTenant(ctx context.Context, id int64) (*storage.Tenant, error)
	ListTenants(ctx context.Context) ([]storage.Tenant, error)

	ReplaceCaseStages(ctx context.Context, tenantID int64, stages []storage.CaseStage) ([]storage.CaseStage, error)
	ListCaseStages(ctx context.Context, tenantID int64) ([]storage.CaseStage, error)
	ListCaseStatuses(ctx context.Context) ([]storage.CaseStatus, error)

	EnsureMTTxConfigs(ctx context.Context, tenantID int64, defaults []storage.MTTxConfig) ([]storage.MTTxConfig, error)
	UpdateMTTxConfig(ctx context.Context, id int64, key, value string) (*storage.MTTxConfig, error)
	EnsureQueryConfigs(ctx context.Context, tenantID int64, defaults []storage.QueryConfig) ([]storage.QueryConfig, error)
	UpdateQueryConfig(ctx context.Context, id int64, text string) (*storage.QueryConfig, error)

	CreateSchedule(ctx context.Context, s *storage.Schedule) (*storage.Schedule, error)
	UpdateSchedule(ctx context.Context, s *storage.Schedule) (*storage.Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error
	GetSchedule(ctx context.Context, id int64) (*storage.Schedule, error)
	ListSchedules(ctx context.Context, tenantID int64) ([]storage.Schedule, error)

	CreateDestination(ctx context.Context, d *storage.ScheduleDestination) (*storage.ScheduleDestination, error)
	GetDestination(ctx context.Context, id int64) (*storage.ScheduleDestination, error)
	UpdateDestination(ctx context.Context, d *storage.ScheduleDestination) (*storage.ScheduleDestination, error)
	DeleteDestination(ctx context.Context, id int64) error
	ListDestinations(ctx context.Context, scheduleID int64) ([]storage.ScheduleDestination, error)
}

// Analyzer runs and calculates analyses. *mttx.Analyzer implements it.
type Analyzer interface {
	Run(ctx context.Context, tenantID int64, timeUnit string, startVal int) (*mttx.AnalysisResult, error)
	Calculate(ctx context.Context, tenantID int64, history, cases json.RawMessage) (*mttx.Metrics, error)
}

// Scheduler keeps cron registrations in step with stored schedules.
// *scheduler.Scheduler implements it.
type Scheduler interface {
	Upsert(s *storage.Schedule) error
	Remove(id int64)
	RunNow(id int64)
}

// ConnectionTester checks that a tenant's Chronicle instance answers.
type ConnectionTester func(ctx context.Context, t *storage.Tenant) error

// StageFetcher loads case stage definitions from a tenant's SOAR.
type StageFetcher func(ctx context.Context, t *storage.Tenant) ([]soar.Stage, error)

// Deps are the collaborators of a Handler.
type Deps struct {
	Store       Store
	Analyzer    Analyzer
	Scheduler   Scheduler
	TestTenant  ConnectionTester
	FetchStages StageFetcher
	Logger      *slog.Logger
}

// Handler serves the MTTx API.
type Handler struct {
	store       Store
	analyzer    Analyzer
	scheduler   Scheduler
	testTenant  ConnectionTester
	fetchStages StageFetcher
	validate    *validation.Validator
	logger      *slog.Logger
}

// New creates a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       d.Store,
		analyzer:    d.Analyzer,
		scheduler:   d.Scheduler,
		testTenant:  d.TestTenant,
		fetchStages: d.FetchStages,
		validate:    validation.New(),
		logger:      logger,
	}
}

// RegisterRoutes registers the MTTx routes under /api.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tenants", h.listTenants)
	mux.HandleFunc("POST /api/tenants", h.createTenant)
	mux.HandleFunc("PUT /api/tenants/{id}", h.updateTenant)
	mux.HandleFunc("POST /api/tenants/{id}/test", h.testConnection)
	mux.HandleFunc("POST /api/tenants/{id}/fetch-stages", h.fetchTenantStages)
	mux.HandleFunc("GET /api/tenants/{id}/stages", h.listStages)
	mux.HandleFunc("GET /api/case-statuses", h.listCaseStatuses)

	mux.HandleFunc("GET /api/tenants/{id}/mttx-configs", h.listMTTxConfigs)
	mux.HandleFunc("PUT /api/mttx-configs/{id}", h.updateMTTxConfig)
	mux.HandleFunc("GET /api/tenants/{id}/queries", h.listQueries)
	mux.HandleFunc("PUT /api/queries/{id}", h.updateQuery)

	mux.HandleFunc("POST /api/analysis/run", h.runAnalysis)
	mux.HandleFunc("POST /api/analysis/calculate", h.calculate)

	mux.HandleFunc("POST /api/schedules", h.createSchedule)
	mux.HandleFunc("GET /api/tenants/{id}/schedules", h.listSchedules)
	mux.HandleFunc("PUT /api/schedules/{id}", h.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", h.deleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/run", h.runSchedule)

	mux.HandleFunc("POST /api/destinations", h.createDestination)
	mux.HandleFunc("GET /api/schedules/{id}/destinations", h.listDestinations)
	mux.HandleFunc("PUT /api/destinations/{id}", h.updateDestination)
	mux.HandleFunc("DELETE /api/destinations/{id}", h.deleteDestination)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	api.WriteErr(w, h.logger, err)
}

type messageResponse struct {
	Message string `json:"message"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// tenantView masks the SOAR key before a tenant leaves the server.
func tenantView(t storage.Tenant) storage.Tenant {
	if t.SOARAPIKey != "" {
		t.SOARAPIKey = logging.MaskAPIKey(t.SOARAPIKey)
	}
	return t
}

func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]storage.Tenant, len(tenants))
	for i, t := range tenants {
		out[i] = tenantView(t)
	}
	api.WriteJSON(w, http.StatusOK, out)
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
	h.logger.Info("tenant created", "tenant_id", created.ID, "name", created.Name)
	api.WriteJSON(w, http.StatusCreated, tenantView(*created))
}

func (h *Handler) updateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	existing, err := h.store.GetTenant(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	t := *existing
	if err := api.DecodeJSON(w, r, &t); err != nil {
		h.fail(w, err)
		return
	}
	// A blank or masked key in the body keeps the stored one.
	if t.SOARAPIKey == "" || t.SOARAPIKey == logging.MaskAPIKey(existing.SOARAPIKey) {
		t.SOARAPIKey = existing.SOARAPIKey
	}
	t.Normalize()
	if err := h.validate.Struct(&t); err != nil {
		h.fail(w, err)
		return
	}
	updated, err := h.store.UpdateTenant(r.Context(), id, &t)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, tenantView(*updated))
}

func (h *Handler) tenantFromPath(r *http.Request) (*storage.Tenant, error) {
	id, err := api.PathID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.store.GetTenant(r.Context(), id)
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenantFromPath(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.testTenant(r.Context(), t); err != nil {
		h.logger.Warn("tenant connection test failed", "tenant_id", t.ID, "error", err)
		api.WriteJSON(w, http.StatusOK, successResponse{
			Success: false,
			Message: "Connection failed: " + logging.MaskSensitivePatterns(err.Error()),
		})
		return
	}
	api.WriteJSON(w, http.StatusOK, successResponse{Success: true, Message: "Connection successful"})
}

func (h *Handler) fetchTenantStages(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenantFromPath(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if t.SOARURL == "" || t.SOARAPIKey == "" {
		h.fail(w, api.BadRequest("tenant %d has no SOAR url or api key", t.ID))
		return
	}

	fetched, err := h.fetchStages(r.Context(), t)
	if err != nil {
		h.fail(w, &api.RequestError{
			Status:  http.StatusBadGateway,
			Code:    api.CodeUpstream,
			Message: "failed to fetch stages: " + logging.MaskSensitivePatterns(err.Error()),
		})
		return
	}

	stages := make([]storage.CaseStage, 0, len(fetched))
	for _, s := range fetched {
		stages = append(stages, storage.CaseStage{Name: s.Name, SOARID: s.ID, TenantID: t.ID})
	}
	stored, err := h.store.ReplaceCaseStages(r.Context(), t.ID, stages)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"message":      fmt.Sprintf("Successfully fetched and stored %d stages", len(stored)),
		"stages_count": len(stored),
	})
}

func (h *Handler) listStages(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenantFromPath(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	stages, err := h.store.ListCaseStages(r.Context(), t.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stages)
}

func (h *Handler) listCaseStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.store.ListCaseStatuses(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, statuses)
}

func (h *Handler) listMTTxConfigs(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenantFromPath(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	configs, err := h.store.EnsureMTTxConfigs(r.Context(), t.ID, mttx.DefaultMTTxConfigRows(t.ID))
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, configs)
}

type mttxConfigRequest struct {
	ConfigKey   string `json:"config_key" validate:"required"`
	ConfigValue string `json:"config_value" validate:"required"`
}

func (h *Handler) updateMTTxConfig(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req mttxConfigRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}
	cfg, err := h.store.UpdateMTTxConfig(r.Context(), id, req.ConfigKey, req.ConfigValue)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) listQueries(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenantFromPath(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	queries, err := h.store.EnsureQueryConfigs(r.Context(), t.ID, mttx.DefaultQueryRows(t.ID))
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, queries)
}

type queryRequest struct {
	QueryText string `json:"query_text" validate:"required"`
}

func (h *Handler) updateQuery(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req queryRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}
	q, err := h.store.UpdateQueryConfig(r.Context(), id, req.QueryText)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, q)
}

type runRequest struct {
	TenantID     int64  `json:"tenant_id" validate:"required,gt=0"`
	TimeUnit     string `json:"time_unit" validate:"required,time_unit"`
	StartTimeVal int    `json:"start_time_val" validate:"gte=1"`
}

func (h *Handler) runAnalysis(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}
	result, err := h.analyzer.Run(r.Context(), req.TenantID, req.TimeUnit, req.StartTimeVal)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

type calculateRequest struct {
	TenantID        int64           `json:"tenant_id" validate:"required,gt=0"`
	CaseHistoryData json.RawMessage `json:"case_history_data" validate:"required"`
	CaseMTTDData    json.RawMessage `json:"case_mttd_data" validate:"required"`
}

type calculateResponse struct {
	*mttx.Metrics
	BaseURL string `json:"base_url"`
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.store.GetTenant(r.Context(), req.TenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	m, err := h.analyzer.Calculate(r.Context(), t.ID, req.CaseHistoryData, req.CaseMTTDData)
	if errors.Is(err, mttx.ErrNoData) {
		h.fail(w, api.BadRequest("no calculable data in the supplied query results"))
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, calculateResponse{Metrics: m, BaseURL: t.BaseURL})
}

func (h *Handler) register(s *storage.Schedule) {
	if err := h.scheduler.Upsert(s); err != nil {
		h.logger.Warn("schedule not registered", "schedule_id", s.ID, "error", err)
	}
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	s := storage.NewSchedule()
	if err := api.DecodeJSON(w, r, s); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(s); err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.store.GetTenant(r.Context(), s.TenantID); err != nil {
		h.fail(w, err)
		return
	}

	// Destinations are checked up front so a bad one leaves nothing stored.
	dests := make([]storage.ScheduleDestination, len(s.Destinations))
	for i, d := range s.Destinations {
		if d.DestinationType == "" {
			d.DestinationType = storage.DestinationCSV
		}
		if err := h.validate.StructExcept(&d, "ScheduleID"); err != nil {
			h.fail(w, err)
			return
		}
		dests[i] = d
	}

	created, err := h.store.CreateSchedule(r.Context(), s)
	if err != nil {
		h.fail(w, err)
		return
	}
	created.Destinations = []storage.ScheduleDestination{}
	for i := range dests {
		d := dests[i]
		d.ScheduleID = created.ID
		stored, err := h.store.CreateDestination(r.Context(), &d)
		if err != nil {
			if derr := h.store.DeleteSchedule(r.Context(), created.ID); derr != nil {
				h.logger.Error("schedule rollback failed", "schedule_id", created.ID, "error", derr)
			}
			h.fail(w, err)
			return
		}
		created.Destinations = append(created.Destinations, *stored)
	}

	h.register(created)
	h.logger.Info("schedule created", "schedule_id", created.ID, "cron", created.CronSchedule)
	api.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenantFromPath(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	schedules, err := h.store.ListSchedules(r.Context(), t.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, schedules)
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	existing, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	s := *existing
	if err := api.DecodeJSON(w, r, &s); err != nil {
		h.fail(w, err)
		return
	}
	s.ID = id
	if err := h.validate.Struct(&s); err != nil {
		h.fail(w, err)
		return
	}
	updated, err := h.store.UpdateSchedule(r.Context(), &s)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.register(updated)
	api.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.store.DeleteSchedule(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.scheduler.Remove(id)
	api.WriteJSON(w, http.StatusOK, messageResponse{Message: "Schedule deleted"})
}

func (h *Handler) runSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.store.GetSchedule(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.scheduler.RunNow(id)
	api.WriteJSON(w, http.StatusAccepted, messageResponse{Message: fmt.Sprintf("Schedule %d run started", id)})
}

func (h *Handler) createDestination(w http.ResponseWriter, r *http.Request) {
	d := storage.NewScheduleDestination()
	if err := api.DecodeJSON(w, r, d); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validate.Struct(d); err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.store.GetSchedule(r.Context(), d.ScheduleID); err != nil {
		h.fail(w, err)
		return
	}
	created, err := h.store.CreateDestination(r.Context(), d)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) listDestinations(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.store.GetSchedule(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	dests, err := h.store.ListDestinations(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, dests)
}

func (h *Handler) updateDestination(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	existing, err := h.store.GetDestination(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	d := *existing
	if err := api.DecodeJSON(w, r, &d); err != nil {
		h.fail(w, err)
		return
	}
	d.ID = id
	if err := h.validate.Struct(&d); err != nil {
		h.fail(w, err)
		return
	}
	updated, err := h.store.UpdateDestination(r.Context(), &d)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteDestination(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.store.DeleteDestination(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, messageResponse{Message: "Destination deleted"})
}
