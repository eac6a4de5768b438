// Package excapi exposes the exception engine over HTTP: producer ingestion,
// operator triage, advisory reads, and policy/rule administration.
package excapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/sla"
	"github.com/linnemanlabs/warden/internal/store"
	"github.com/linnemanlabs/warden/internal/sweep"
	"github.com/linnemanlabs/warden/internal/triage"
)

// SweepRunner triggers one on-demand sweep. Satisfied by *sweep.Sweeper.
type SweepRunner interface {
	RunOnce(ctx context.Context, now time.Time) (*sweep.Stats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     *Service
	sweeper SweepRunner
}

// New creates a new API handler. sweeper may be nil; the sweep endpoint then
// returns 503.
func New(logger log.Logger, svc *Service, sweeper SweepRunner) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("exception service is required"))
	}
	return &API{
		logger:  logger,
		svc:     svc,
		sweeper: sweeper,
	}
}

// RegisterRoutes attaches API endpoints to the router. Role checks live
// here; token authentication (authmw.Bearer) is applied by the caller.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Producer surface: upstream modules raise records and report on
		// their source. Operators may also flip the source flag.
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(authmw.RoleProducer))
			r.Post("/exceptions", a.handleIngest)
		})
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(authmw.RoleProducer, authmw.RoleOperator))
			r.Post("/exceptions/{id}/source-resolved", a.handleSourceResolved)
		})

		// Operator surface.
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(authmw.RoleOperator))

			r.Get("/exceptions", a.handleList)
			r.Get("/exceptions/{id}", a.handleGet)
			r.Post("/exceptions/{id}/assign", a.handleAssign)
			r.Post("/exceptions/{id}/severity", a.handleSeverity)
			r.Post("/exceptions/{id}/status", a.handleStatus)
			r.Post("/exceptions/{id}/escalate", a.handleEscalate)
			r.Post("/exceptions/{id}/watchers", a.handleAddWatcher)
			r.Delete("/exceptions/{id}/watchers/{userID}", a.handleRemoveWatcher)
			r.Post("/exceptions/{id}/remediation", a.handleAddStep)
			r.Patch("/exceptions/{id}/remediation/{index}", a.handleUpdateStep)
			r.Post("/exceptions/{id}/comments", a.handleComment)

			r.Get("/exceptions/{id}/advice", a.handleAdvice)
			r.Get("/exceptions/{id}/similar", a.handleSimilar)
			r.Get("/exceptions/{id}/cluster-suggestion", a.handleClusterSuggestion)
			r.Get("/digest", a.handleDigest)

			r.Post("/policies", a.handleSavePolicy)
			r.Get("/policies", a.handleListPolicies)
			r.Get("/policies/{id}", a.handleGetPolicy)
			r.Put("/policies/{id}", a.handleSavePolicy)
			r.Delete("/policies/{id}", a.handleDeletePolicy)

			r.Post("/rules", a.handleSaveRule)
			r.Post("/rules/from-template", a.handleRuleFromTemplate)
			r.Get("/rules", a.handleListRules)
			r.Get("/rules/{id}", a.handleGetRule)
			r.Put("/rules/{id}", a.handleSaveRule)
			r.Delete("/rules/{id}", a.handleDeleteRule)

			r.Get("/clusters", a.handleListClusters)
			r.Get("/clusters/{id}", a.handleGetCluster)

			r.Post("/sweeps", a.handleSweep)
		})
	})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in exception.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := a.svc.Ingest(r.Context(), &in)
	if err != nil {
		a.internalError(w, r, err, "ingest exception")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.exception.id", e.ID),
		attribute.String("warden.exception.type", string(e.TypeKey)),
	)

	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.exception.id", id))

	e, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.internalError(w, r, err, "get exception")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.internalError(w, r, err, "list exceptions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": list, "count": len(list)})
}

func filterFromQuery(r *http.Request) (store.ExceptionFilter, error) {
	q := r.URL.Query()
	f := store.ExceptionFilter{
		ClientID:         q.Get("client_id"),
		SourceModuleKey:  q.Get("module"),
		AssignedToUserID: q.Get("assigned_to"),
		AssignedToRole:   q.Get("assigned_role"),
		ClusterID:        q.Get("cluster_id"),
	}
	for _, v := range splitParam(q.Get("status")) {
		f.Status = append(f.Status, exception.Status(v))
	}
	for _, v := range splitParam(q.Get("severity")) {
		f.Severity = append(f.Severity, exception.Severity(v))
	}
	for _, v := range splitParam(q.Get("type")) {
		f.TypeKey = append(f.TypeKey, exception.TypeKey(v))
	}
	if v := q.Get("at_risk"); v != "" {
		atRisk, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("at_risk must be a boolean")
		}
		f.SLAAtRisk = &atRisk
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, errors.New("limit must be an integer")
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, errors.New("offset must be an integer")
	}
	return f, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type assignRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	By     string `json:"by"`
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	a.respondMutation(w, r, "assign", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.Assign(ctx, id, triage.Assignment{UserID: req.UserID, Role: req.Role}, req.By)
	})
}

type severityRequest struct {
	Severity exception.Severity `json:"severity"`
	By       string             `json:"by"`
	Reason   string             `json:"reason"`
}

func (a *API) handleSeverity(w http.ResponseWriter, r *http.Request) {
	var req severityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !exception.ValidSeverity(req.Severity) {
		writeError(w, http.StatusBadRequest, "unknown severity")
		return
	}
	a.respondMutation(w, r, "severity", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.ChangeSeverity(ctx, id, req.Severity, req.By, req.Reason)
	})
}

type statusRequest struct {
	Status exception.Status `json:"status"`
	By     string           `json:"by"`
	Notes  string           `json:"notes"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !exception.ValidStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	a.respondMutation(w, r, "status", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.ChangeStatus(ctx, id, req.Status, req.By, req.Notes)
	})
}

type escalateRequest struct {
	Role   string `json:"role"`
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (a *API) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	a.respondMutation(w, r, "escalate", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.Escalate(ctx, id, req.Role, req.By, req.Reason)
	})
}

type watcherRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) handleAddWatcher(w http.ResponseWriter, r *http.Request) {
	var req watcherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	a.respondMutation(w, r, "add watcher", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.AddWatcher(ctx, id, req.UserID)
	})
}

func (a *API) handleRemoveWatcher(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	a.respondMutation(w, r, "remove watcher", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.RemoveWatcher(ctx, id, userID)
	})
}

type stepRequest struct {
	Title     string     `json:"title"`
	OwnerRole string     `json:"owner_role"`
	DueAt     *time.Time `json:"due_at"`
	Notes     string     `json:"notes"`
	By        string     `json:"by"`
}

func (a *API) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "step title is required")
		return
	}
	step := exception.RemediationStep{
		Title:     req.Title,
		OwnerRole: req.OwnerRole,
		DueAt:     req.DueAt,
		Notes:     req.Notes,
	}
	a.respondMutation(w, r, "add remediation step", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.AddRemediationStep(ctx, id, step, req.By)
	})
}

type stepUpdateRequest struct {
	triage.StepUpdate
	By string `json:"by"`
}

func (a *API) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "step index must be an integer")
		return
	}
	var req stepUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	a.respondMutation(w, r, "update remediation step", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.UpdateRemediationStep(ctx, id, index, req.StepUpdate, req.By)
	})
}

type commentRequest struct {
	Text string `json:"text"`
	By   string `json:"by"`
}

func (a *API) handleComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "comment text is required")
		return
	}
	a.respondMutation(w, r, "comment", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.AddComment(ctx, id, req.Text, req.By)
	})
}

type sourceResolvedRequest struct {
	Resolved bool   `json:"resolved"`
	By       string `json:"by"`
}

func (a *API) handleSourceResolved(w http.ResponseWriter, r *http.Request) {
	var req sourceResolvedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	a.respondMutation(w, r, "mark source resolved", func(ctx context.Context, id string) (*exception.Exception, error) {
		return a.svc.MarkSourceResolved(ctx, id, req.Resolved, req.By)
	})
}

// respondMutation runs one triage mutation for the {id} route param and
// writes the updated record or the mapped error.
func (a *API) respondMutation(w http.ResponseWriter, r *http.Request, what string, fn func(ctx context.Context, id string) (*exception.Exception, error)) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.exception.id", id))

	e, err := fn(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "concurrent update, retry")
			return
		}
		a.internalError(w, r, err, "failed to "+what)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleAdvice(w http.ResponseWriter, r *http.Request) {
	summary, err := a.svc.Advice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		a.internalError(w, r, err, "generate advice")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	matches, err := a.svc.Similar(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		a.internalError(w, r, err, "find similar exceptions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

func (a *API) handleClusterSuggestion(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.SuggestCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		a.internalError(w, r, err, "suggest cluster")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster": c})
}

func (a *API) handleDigest(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	d, err := a.svc.Digest(r.Context(), clientID)
	if err != nil {
		a.internalError(w, r, err, "generate digest")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleSavePolicy(w http.ResponseWriter, r *http.Request) {
	var p sla.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		p.ID = id
	}
	saved, err := a.svc.SavePolicy(r.Context(), &p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok, err := a.svc.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, r, err, "get policy")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListPolicies(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		a.internalError(w, r, err, "list policies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list, "count": len(list)})
}

func (a *API) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		a.internalError(w, r, err, "delete policy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		rule.ID = id
	}
	saved, err := a.svc.SaveRule(r.Context(), &rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type templateRequest struct {
	Template rules.TemplateKey `json:"template"`
	ClientID string            `json:"client_id"`
	TypeKey  exception.TypeKey `json:"type_key"`
	Role     string            `json:"role"`
}

func (a *API) handleRuleFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	rule, err := a.svc.RuleFromTemplate(r.Context(), req.Template, rules.TemplateParams{
		ClientID: req.ClientID,
		TypeKey:  req.TypeKey,
		Role:     req.Role,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok, err := a.svc.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, r, err, "get rule")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListRules(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		a.internalError(w, r, err, "list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		a.internalError(w, r, err, "delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	c, ok, err := a.svc.GetCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, r, err, "get cluster")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleListClusters(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListClusters(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		a.internalError(w, r, err, "list clusters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": list, "count": len(list)})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if a.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper disabled")
		return
	}
	stats, err := a.sweeper.RunOnce(r.Context(), time.Now())
	if err != nil {
		a.internalError(w, r, err, "run sweep")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error, what string) {
	a.logger.Error(r.Context(), err, what)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
