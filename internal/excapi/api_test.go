package excapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/warden/internal/advisor"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/sla"
	"github.com/linnemanlabs/warden/internal/store/memstore"
	"github.com/linnemanlabs/warden/internal/sweep"
	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	producerToken = "p-token"
	operatorToken = "o-token"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(st *memstore.Store, provider advisor.Provider) *Service {
	return NewService(st, registry.New(), registry.LocaleEN, provider, nil, NewMetrics(prometheus.NewRegistry()))
}

func newTestRouter(t *testing.T) (chi.Router, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	svc := newTestService(st, nil)
	sweeper := sweep.New(st, registry.New(), registry.LocaleEN, nil, nil, nil, time.Minute, 0)
	api := New(nil, svc, sweeper)

	r := chi.NewRouter()
	r.Use(authmw.Bearer(map[string]authmw.Role{
		producerToken: authmw.RoleProducer,
		operatorToken: authmw.RoleOperator,
	}))
	api.RegisterRoutes(r)
	return r, st
}

func do(t *testing.T, r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func seedException(t *testing.T, st *memstore.Store, id, title string) *exception.Exception {
	t.Helper()
	e := &exception.Exception{
		ID:              id,
		ClientID:        "client-1",
		Title:           title,
		TypeKey:         exception.TypeRecon,
		Severity:        exception.SeverityWarning,
		Status:          exception.StatusOpen,
		SourceModuleKey: "ledger",
		Timeline:        []exception.TimelineEntry{{At: t0, Type: exception.EventCreated}},
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
	if err := st.PutException(context.Background(), e); err != nil {
		t.Fatalf("seed exception %s: %v", id, err)
	}
	return e
}

func decodeException(t *testing.T, rec *httptest.ResponseRecorder) *exception.Exception {
	t.Helper()
	var e exception.Exception
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode exception: %v", err)
	}
	return &e
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil, nil)
}

func TestIngest_CreatesRecord(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)

	body := `{
		"client_id": "client-1",
		"title": "Integration sync failed for Plaid",
		"type_key": "sync",
		"severity": "warning",
		"source_module_key": "integrations",
		"source_collection": "connections",
		"source_id": "conn-9"
	}`
	rec := do(t, r, http.MethodPost, "/api/v1/exceptions", producerToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	e := decodeException(t, rec)
	if e.Status != exception.StatusOpen {
		t.Errorf("status = %q, want open", e.Status)
	}
	if e.SourceResolved {
		t.Error("SourceResolved = true on ingest, want false")
	}
	if len(e.Timeline) != 1 || e.Timeline[0].Type != exception.EventCreated {
		t.Errorf("timeline = %+v, want single created entry", e.Timeline)
	}
	if e.LinkURL == "" {
		t.Error("LinkURL empty, want deep link built from source fields")
	}

	if _, ok, err := st.GetException(context.Background(), e.ID); err != nil || !ok {
		t.Errorf("ingested record not persisted: ok=%v err=%v", ok, err)
	}
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{bad`},
		{"missing title", `{"client_id":"c","type_key":"sync","severity":"warning","source_module_key":"integrations"}`},
		{"unknown type", `{"client_id":"c","title":"x","type_key":"nope","severity":"warning","source_module_key":"integrations"}`},
		{"unknown severity", `{"client_id":"c","title":"x","type_key":"sync","severity":"urgent","source_module_key":"integrations"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, http.MethodPost, "/api/v1/exceptions", producerToken, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestIngest_TokenClasses(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	body := `{"client_id":"c","title":"x","type_key":"sync","severity":"warning","source_module_key":"integrations"}`

	if rec := do(t, r, http.MethodPost, "/api/v1/exceptions", operatorToken, body); rec.Code != http.StatusForbidden {
		t.Errorf("operator token on ingest: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := do(t, r, http.MethodPost, "/api/v1/exceptions", "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token on ingest: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := do(t, r, http.MethodGet, "/api/v1/exceptions", producerToken, ""); rec.Code != http.StatusForbidden {
		t.Errorf("producer token on operator route: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestIngest_AppliesPolicyAndRules(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	ctx := context.Background()

	if err := st.PutPolicy(ctx, &sla.Policy{
		ID:               "pol-1",
		ClientID:         "client-1",
		Name:             "default",
		AppliesToTypeKey: sla.AppliesToAll,
		DefaultSLAHours:  24,
		Enabled:          true,
	}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if err := st.PutRule(ctx, &rules.Rule{
		ID:       "r-1",
		ClientID: "client-1",
		Name:     "route sync failures",
		RuleType: rules.RuleAssign,
		Enabled:  true,
		Conditions: rules.Conditions{
			TypeKey: exception.TypeSync,
		},
		Actions: rules.Actions{AssignToRole: "ops_analyst"},
	}); err != nil {
		t.Fatalf("put rule: %v", err)
	}

	body := `{"client_id":"client-1","title":"Integration sync failed","type_key":"sync","severity":"warning","source_module_key":"integrations"}`
	rec := do(t, r, http.MethodPost, "/api/v1/exceptions", producerToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	e := decodeException(t, rec)
	if e.SLAPolicyID != "pol-1" || e.SLADueAt == nil {
		t.Errorf("SLA not applied at ingest: policy %q dueAt %v", e.SLAPolicyID, e.SLADueAt)
	}
	if e.AssignedToRole != "ops_analyst" {
		t.Errorf("rule not applied at ingest: assigned role = %q", e.AssignedToRole)
	}
}

func TestGetException(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodGet, "/api/v1/exceptions/e-1", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if e := decodeException(t, rec); e.ID != "e-1" {
		t.Errorf("id = %q, want e-1", e.ID)
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/exceptions/missing", operatorToken, ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListExceptions_Filters(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")
	crit := seedException(t, st, "e-2", "Security incident")
	crit.Severity = exception.SeverityCritical
	if err := st.PutException(context.Background(), crit); err != nil {
		t.Fatalf("update seed: %v", err)
	}

	rec := do(t, r, http.MethodGet, "/api/v1/exceptions?severity=critical", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count      int                    `json:"count"`
		Exceptions []*exception.Exception `json:"exceptions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if resp.Count != 1 || resp.Exceptions[0].ID != "e-2" {
		t.Errorf("filtered list = %d records, want just e-2", resp.Count)
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/exceptions?at_risk=banana", operatorToken, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad at_risk param: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAssign_AdvancesOpenToTriage(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/assign", operatorToken,
		`{"user_id":"u-7","role":"ops_analyst","by":"manager1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	e := decodeException(t, rec)
	if e.Status != exception.StatusTriage {
		t.Errorf("status = %q, want triage", e.Status)
	}
	if e.AssignedToUserID != "u-7" || e.AssignedToRole != "ops_analyst" {
		t.Errorf("assignment = %q/%q, want u-7/ops_analyst", e.AssignedToUserID, e.AssignedToRole)
	}
	last := e.Timeline[len(e.Timeline)-1]
	if last.Type != exception.EventAssigned || last.By != "manager1" {
		t.Errorf("last timeline entry = %+v, want assigned by manager1", last)
	}
}

func TestChangeStatus_CloseThenReopen(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/status", operatorToken,
		`{"status":"closed","by":"analyst1","notes":"fixed upstream"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status = %d: %s", rec.Code, rec.Body.String())
	}
	closed := decodeException(t, rec)
	if closed.Status != exception.StatusClosed || closed.ClosedAt == nil {
		t.Fatalf("closed record: status %q closedAt %v", closed.Status, closed.ClosedAt)
	}
	closedAt := *closed.ClosedAt

	rec = do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/status", operatorToken,
		`{"status":"open","by":"analyst1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reopen: status = %d", rec.Code)
	}
	reopened := decodeException(t, rec)
	if reopened.Status != exception.StatusOpen {
		t.Errorf("status = %q, want open", reopened.Status)
	}
	// closedAt is preserved as last-closed history; status is ground truth.
	if reopened.ClosedAt == nil || !reopened.ClosedAt.Equal(closedAt) {
		t.Errorf("ClosedAt = %v, want preserved %v", reopened.ClosedAt, closedAt)
	}
	last := reopened.Timeline[len(reopened.Timeline)-1]
	if last.Type != exception.EventReopened {
		t.Errorf("last timeline entry = %q, want reopened", last.Type)
	}

	if rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/status", operatorToken,
		`{"status":"archived","by":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: code = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// racingStore injects one out-of-band assignment between the service's read
// and its first apply, so the apply sees a stale snapshot and has to retry.
type racingStore struct {
	*memstore.Store
	raced bool
}

func (r *racingStore) ApplyUpdate(ctx context.Context, id string, expectedUpdatedAt time.Time, u *exception.Update) (*exception.Exception, error) {
	if !r.raced {
		r.raced = true
		e, ok, err := r.Store.GetException(ctx, id)
		if err == nil && ok {
			interloper := triage.Assign(e, triage.Assignment{UserID: "analyst2"}, "analyst2", e.UpdatedAt.Add(time.Second))
			if _, err := r.Store.ApplyUpdate(ctx, id, e.UpdatedAt, interloper); err != nil {
				return nil, err
			}
		}
	}
	return r.Store.ApplyUpdate(ctx, id, expectedUpdatedAt, u)
}

func TestChangeStatus_RetryRecomputesFromFreshState(t *testing.T) {
	t.Parallel()

	inner := memstore.New()
	seedException(t, inner, "e-1", "Balance mismatch ledger A")
	rs := &racingStore{Store: inner}
	svc := NewService(rs, registry.New(), registry.LocaleEN, nil, nil, NewMetrics(prometheus.NewRegistry()))

	got, err := svc.ChangeStatus(context.Background(), "e-1", exception.StatusClosed, "operator1", "resolved upstream")
	if err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if got.Status != exception.StatusClosed {
		t.Fatalf("status = %q, want closed", got.Status)
	}

	// The concurrent assignment landed first and must survive the close.
	if got.AssignedToUserID != "analyst2" {
		t.Errorf("assigned user = %q, want analyst2 from the concurrent write", got.AssignedToUserID)
	}

	last := got.Timeline[len(got.Timeline)-1]
	if last.Type != exception.EventClosed {
		t.Fatalf("last timeline entry = %q, want closed", last.Type)
	}
	// The close note must describe the state the retry actually read, not
	// the pre-race snapshot (assignment moved the record to triage).
	if !strings.Contains(last.Notes, "triage -> closed") {
		t.Errorf("close notes = %q, want a transition out of triage", last.Notes)
	}
	// Created, assigned, closed: each writer's entry lands exactly once.
	if len(got.Timeline) != 3 {
		t.Errorf("timeline = %d entries, want 3", len(got.Timeline))
	}
}

func TestEscalate(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/escalate", operatorToken,
		`{"role":"controller","by":"manager1","reason":"stuck for two days"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	e := decodeException(t, rec)
	if e.Severity != exception.SeverityCritical {
		t.Errorf("severity = %q, want critical", e.Severity)
	}
	if e.AssignedToRole != "controller" || e.AssignedToUserID != "" {
		t.Errorf("assignment = %q/%q, want role controller, user cleared", e.AssignedToRole, e.AssignedToUserID)
	}
}

func TestWatchers_AddIsIdempotent(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/watchers", operatorToken, `{"user_id":"u-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add watcher: status = %d", rec.Code)
	}
	before := len(decodeException(t, rec).Timeline)

	rec = do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/watchers", operatorToken, `{"user_id":"u-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-add watcher: status = %d", rec.Code)
	}
	e := decodeException(t, rec)
	if len(e.Watchers) != 1 {
		t.Errorf("watchers = %v, want single u-1", e.Watchers)
	}
	if len(e.Timeline) != before {
		t.Errorf("timeline grew on no-op add: %d -> %d", before, len(e.Timeline))
	}

	rec = do(t, r, http.MethodDelete, "/api/v1/exceptions/e-1/watchers/u-1", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove watcher: status = %d", rec.Code)
	}
	if e := decodeException(t, rec); len(e.Watchers) != 0 {
		t.Errorf("watchers after remove = %v, want empty", e.Watchers)
	}
}

func TestRemediation_AddAndUpdate(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/remediation", operatorToken,
		`{"title":"Compare ledger balances","owner_role":"ops_analyst","by":"analyst1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add step: status = %d: %s", rec.Code, rec.Body.String())
	}
	e := decodeException(t, rec)
	if len(e.Remediation) != 1 || e.Remediation[0].Status != exception.StepPending {
		t.Fatalf("remediation = %+v, want one pending step", e.Remediation)
	}

	rec = do(t, r, http.MethodPatch, "/api/v1/exceptions/e-1/remediation/0", operatorToken,
		`{"status":"completed","by":"analyst1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update step: status = %d", rec.Code)
	}
	e = decodeException(t, rec)
	if e.Remediation[0].Status != exception.StepCompleted || e.Remediation[0].CompletedAt == nil {
		t.Errorf("step after completion = %+v, want completed with timestamp", e.Remediation[0])
	}

	// Out-of-range index is a tolerated no-op, not an error.
	rec = do(t, r, http.MethodPatch, "/api/v1/exceptions/e-1/remediation/9", operatorToken,
		`{"status":"completed","by":"analyst1"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("out-of-range step update: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestComment_RequiresText(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	if rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/comments", operatorToken, `{"by":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty comment: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec := do(t, r, http.MethodPost, "/api/v1/exceptions/e-1/comments", operatorToken,
		`{"text":"waiting on vendor","by":"analyst1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("comment: status = %d", rec.Code)
	}
	e := decodeException(t, rec)
	last := e.Timeline[len(e.Timeline)-1]
	if last.Type != exception.EventComment || last.Notes != "waiting on vendor" {
		t.Errorf("last timeline entry = %+v, want the comment", last)
	}
}

func TestSourceResolved_BothTokenClasses(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")
	seedException(t, st, "e-2", "Balance mismatch ledger B")

	for _, tc := range []struct {
		token string
		path  string
	}{
		{producerToken, "/api/v1/exceptions/e-1/source-resolved"},
		{operatorToken, "/api/v1/exceptions/e-2/source-resolved"},
	} {
		rec := do(t, r, http.MethodPost, tc.path, tc.token, `{"resolved":true,"by":"ledger"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("token %s: status = %d: %s", tc.token, rec.Code, rec.Body.String())
		}
		e := decodeException(t, rec)
		if !e.SourceResolved {
			t.Errorf("token %s: SourceResolved = false, want true", tc.token)
		}
		// Marking resolved does not close; the auto-close sweep does.
		if e.Status == exception.StatusClosed {
			t.Errorf("token %s: record closed on mark, want open until sweep", tc.token)
		}
	}
}

type stubProvider struct {
	narrative string
	err       error
}

func (p *stubProvider) Narrative(context.Context, *exception.Exception, *advisor.Summary) (string, error) {
	return p.narrative, p.err
}

func TestAdvice(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	rec := do(t, r, http.MethodGet, "/api/v1/exceptions/e-1/advice", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var s advisor.Summary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if s.Disclaimer != advisor.Disclaimer {
		t.Errorf("disclaimer = %q, want the standard one", s.Disclaimer)
	}
	if len(s.ProposedSteps) == 0 {
		t.Error("expected proposed steps for a recon exception")
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/exceptions/missing/advice", operatorToken, ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAdvice_ProviderFallback(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	svc := newTestService(st, &stubProvider{err: errors.New("provider down")})
	s, err := svc.Advice(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("Advice with failing provider: %v", err)
	}
	if !strings.Contains(s.Summary, "Balance mismatch ledger A") {
		t.Errorf("fallback summary = %q, want deterministic text", s.Summary)
	}

	svc = newTestService(st, &stubProvider{narrative: "A ledger reconciliation drift."})
	s, err = svc.Advice(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("Advice with provider: %v", err)
	}
	if s.Summary != "A ledger reconciliation drift." {
		t.Errorf("enriched summary = %q, want provider narrative", s.Summary)
	}
}

func TestSimilar(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")
	seedException(t, st, "e-2", "Balance mismatch ledger B")

	rec := do(t, r, http.MethodGet, "/api/v1/exceptions/e-1/similar?limit=5", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count   int             `json:"count"`
		Matches []advisor.Match `json:"matches"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode matches: %v", err)
	}
	if resp.Count != 1 || resp.Matches[0].Exception.ID != "e-2" {
		t.Errorf("matches = %+v, want just e-2", resp.Matches)
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	crit := seedException(t, st, "e-1", "Security incident")
	crit.Severity = exception.SeverityCritical
	if err := st.PutException(context.Background(), crit); err != nil {
		t.Fatalf("update seed: %v", err)
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/digest", operatorToken, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("digest without client_id: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec := do(t, r, http.MethodGet, "/api/v1/digest?client_id=client-1", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var d advisor.Digest
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	if d.OpenCount != 1 || d.CriticalCount != 1 {
		t.Errorf("digest = open %d critical %d, want 1/1", d.OpenCount, d.CriticalCount)
	}
	if !strings.Contains(d.Recommendation, "critical") {
		t.Errorf("recommendation = %q, want critical-first", d.Recommendation)
	}
}

func TestPolicyCRUD(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/v1/policies", operatorToken,
		`{"client_id":"client-1","name":"default","applies_to_type_key":"all","default_sla_hours":24,"enabled":true,"priority":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create policy: status = %d: %s", rec.Code, rec.Body.String())
	}
	var p sla.Policy
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if p.ID == "" {
		t.Fatal("created policy has no id")
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/policies/"+p.ID, operatorToken, ""); rec.Code != http.StatusOK {
		t.Errorf("get policy: status = %d", rec.Code)
	}

	// Structurally invalid policies are rejected at authoring time.
	if rec := do(t, r, http.MethodPost, "/api/v1/policies", operatorToken,
		`{"client_id":"client-1","name":"bad","applies_to_type_key":"all","default_sla_hours":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid policy: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if rec := do(t, r, http.MethodDelete, "/api/v1/policies/"+p.ID, operatorToken, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete policy: status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := do(t, r, http.MethodGet, "/api/v1/policies/"+p.ID, operatorToken, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted policy: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRuleCRUD_AndTemplates(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/v1/rules", operatorToken,
		`{"client_id":"client-1","name":"close resolved","rule_type":"close","enabled":true,"conditions":{"source_resolved":true},"actions":{"set_status":"closed"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create rule: status = %d: %s", rec.Code, rec.Body.String())
	}
	var rule rules.Rule
	if err := json.NewDecoder(rec.Body).Decode(&rule); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	if rule.ID == "" {
		t.Fatal("created rule has no id")
	}

	// A rule without actions never validates.
	if rec := do(t, r, http.MethodPost, "/api/v1/rules", operatorToken,
		`{"client_id":"client-1","name":"noop","rule_type":"assign","enabled":true}`); rec.Code != http.StatusBadRequest {
		t.Errorf("actionless rule: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/rules/from-template", operatorToken,
		`{"template":"assign_by_type","client_id":"client-1","type_key":"sync","role":"ops_analyst"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("template rule: status = %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.NewDecoder(rec.Body).Decode(&rule); err != nil {
		t.Fatalf("decode template rule: %v", err)
	}
	if rule.Actions.AssignToRole != "ops_analyst" || rule.Conditions.TypeKey != exception.TypeSync {
		t.Errorf("template rule = %+v, want sync assignment to ops_analyst", rule)
	}

	if rec := do(t, r, http.MethodPost, "/api/v1/rules/from-template", operatorToken,
		`{"template":"no_such_template","client_id":"client-1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown template: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if rec := do(t, r, http.MethodDelete, "/api/v1/rules/"+rule.ID, operatorToken, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete rule: status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestSweepEndpoint(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	e := seedException(t, st, "e-1", "Balance mismatch ledger A")
	e.SourceResolved = true
	if err := st.PutException(context.Background(), e); err != nil {
		t.Fatalf("update seed: %v", err)
	}

	rec := do(t, r, http.MethodPost, "/api/v1/sweeps", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var stats sweep.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.AutoClosed != 1 {
		t.Errorf("AutoClosed = %d, want 1", stats.AutoClosed)
	}

	got, ok, err := st.GetException(context.Background(), "e-1")
	if err != nil || !ok {
		t.Fatalf("get after sweep: ok=%v err=%v", ok, err)
	}
	if got.Status != exception.StatusClosed {
		t.Errorf("status after sweep = %q, want closed", got.Status)
	}
}

func TestHandlers_AnnotateSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	r, st := newTestRouter(t)
	seedException(t, st, "e-1", "Balance mismatch ledger A")

	ctx, span := tp.Tracer("test").Start(context.Background(), "request")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/exceptions/e-1", http.NoBody).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	span.End()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	found := false
	for _, s := range exporter.GetSpans() {
		for _, attr := range s.Attributes {
			if string(attr.Key) == "warden.exception.id" && attr.Value.AsString() == "e-1" {
				found = true
			}
		}
	}
	if !found {
		t.Error("no span carries the warden.exception.id attribute")
	}
}

func TestSweepEndpoint_Disabled(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	api := New(nil, newTestService(st, nil), nil)
	r := chi.NewRouter()
	r.Use(authmw.Bearer(map[string]authmw.Role{operatorToken: authmw.RoleOperator}))
	api.RegisterRoutes(r)

	if rec := do(t, r, http.MethodPost, "/api/v1/sweeps", operatorToken, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
