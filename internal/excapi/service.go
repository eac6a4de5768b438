package excapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/advisor"
	"github.com/linnemanlabs/warden/internal/autoclose"
	"github.com/linnemanlabs/warden/internal/cluster"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/sla"
	"github.com/linnemanlabs/warden/internal/store"
	"github.com/linnemanlabs/warden/internal/triage"
)

// maxConflictRetries bounds retries when an operation loses the
// optimistic-concurrency race against a concurrent sweep or operator.
const maxConflictRetries = 3

// ErrUnknownTemplate is returned for a rule-template key the engine does not
// ship.
var ErrUnknownTemplate = errors.New("unknown rule template")

// Service is the business boundary for exception operations. Engine
// functions stay pure; the service owns the read-compute-apply cycle against
// the store.
type Service struct {
	store    store.Store
	reg      *registry.Registry
	locale   registry.Locale
	provider advisor.Provider
	logger   log.Logger
	metrics  *Metrics
}

// NewService creates the exception service. provider may be nil; advisory
// reads then serve the deterministic summary alone.
func NewService(st store.Store, reg *registry.Registry, loc registry.Locale, provider advisor.Provider, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    st,
		reg:      reg,
		locale:   loc,
		provider: provider,
		logger:   logger,
		metrics:  metrics,
	}
}

// Ingest creates a record from a producer payload, attaches the applicable
// SLA policy, and runs the tenant ruleset once before the record is first
// persisted. Running automation pre-persist avoids a write race on a record
// nobody else can see yet.
func (s *Service) Ingest(ctx context.Context, in *exception.Input) (*exception.Exception, error) {
	now := time.Now()
	e, err := exception.Ingest(in, now)
	if err != nil {
		return nil, err
	}

	policies, err := s.store.ListPolicies(ctx, e.ClientID)
	if err != nil {
		return nil, fmt.Errorf("list sla policies: %w", err)
	}
	if p := sla.FindApplicablePolicy(e, policies); p != nil {
		sla.ApplyPolicy(e, p, now).ApplyTo(e)
	}

	ruleset, err := s.store.ListRules(ctx, e.ClientID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	for _, rr := range rules.RunOnExceptions([]*exception.Exception{e}, ruleset, "system", now) {
		rr.Update.ApplyTo(e)
	}

	if err := s.store.PutException(ctx, e); err != nil {
		return nil, fmt.Errorf("persist exception: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IngestsTotal.WithLabelValues(string(e.TypeKey), string(e.Severity)).Inc()
	}
	s.logger.Info(ctx, "exception ingested",
		"exception_id", e.ID,
		"client_id", e.ClientID,
		"type", e.TypeKey,
		"severity", e.Severity,
	)
	return e, nil
}

// Get retrieves one record.
func (s *Service) Get(ctx context.Context, id string) (*exception.Exception, bool, error) {
	return s.store.GetException(ctx, id)
}

// List returns records matching the filter.
func (s *Service) List(ctx context.Context, f store.ExceptionFilter) ([]*exception.Exception, error) {
	return s.store.ListExceptions(ctx, f)
}

// mutate runs one pure engine operation in a read-compute-apply cycle. The
// apply is compare-and-set against the snapshot's UpdatedAt, so a writer
// landing between the read and the apply forces a retry that recomputes the
// delta from fresh state instead of clobbering the winner's.
func (s *Service) mutate(ctx context.Context, operation, id string, op func(e *exception.Exception, now time.Time) *exception.Update) (*exception.Exception, error) {
	now := time.Now()
	for attempt := 0; ; attempt++ {
		e, ok, err := s.store.GetException(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, store.ErrNotFound
		}

		u := op(e, now)
		if u.IsEmpty() {
			s.countOp(operation, "noop")
			return e, nil
		}

		updated, err := s.store.ApplyUpdate(ctx, id, e.UpdatedAt, u)
		if err == nil {
			s.countOp(operation, "ok")
			return updated, nil
		}
		if errors.Is(err, store.ErrConflict) && attempt < maxConflictRetries {
			if s.metrics != nil {
				s.metrics.ConflictRetries.Inc()
			}
			continue
		}
		s.countOp(operation, "error")
		return nil, err
	}
}

func (s *Service) countOp(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	}
}

// Assign sets the record's assignment; both fields empty is an explicit
// unassign.
func (s *Service) Assign(ctx context.Context, id string, a triage.Assignment, by string) (*exception.Exception, error) {
	return s.mutate(ctx, "assign", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.Assign(e, a, by, now)
	})
}

// ChangeSeverity records a severity transition.
func (s *Service) ChangeSeverity(ctx context.Context, id string, severity exception.Severity, by, reason string) (*exception.Exception, error) {
	if !exception.ValidSeverity(severity) {
		return nil, fmt.Errorf("unknown severity %q", severity)
	}
	return s.mutate(ctx, "severity", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.ChangeSeverity(e, severity, by, reason, now)
	})
}

// ChangeStatus moves the record through its lifecycle, distinguishing close
// and reopen in the timeline.
func (s *Service) ChangeStatus(ctx context.Context, id string, status exception.Status, by, notes string) (*exception.Exception, error) {
	if !exception.ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return s.mutate(ctx, "status", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.ChangeStatus(e, status, by, notes, now)
	})
}

// Escalate forces severity to critical and reassigns to the escalation role.
func (s *Service) Escalate(ctx context.Context, id, role, by, reason string) (*exception.Exception, error) {
	return s.mutate(ctx, "escalate", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.Escalate(e, role, by, reason, now)
	})
}

// AddWatcher adds a watcher; adding an existing watcher is a no-op.
func (s *Service) AddWatcher(ctx context.Context, id, userID string) (*exception.Exception, error) {
	return s.mutate(ctx, "watcher_add", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.AddWatcher(e, userID, now)
	})
}

// RemoveWatcher removes a watcher; removing an unknown watcher is a no-op.
func (s *Service) RemoveWatcher(ctx context.Context, id, userID string) (*exception.Exception, error) {
	return s.mutate(ctx, "watcher_remove", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.RemoveWatcher(e, userID, now)
	})
}

// AddRemediationStep appends a checklist step.
func (s *Service) AddRemediationStep(ctx context.Context, id string, step exception.RemediationStep, by string) (*exception.Exception, error) {
	return s.mutate(ctx, "remediation_add", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.AddRemediationStep(e, step, by, now)
	})
}

// UpdateRemediationStep updates the step at index; out-of-range indices are
// a tolerated no-op.
func (s *Service) UpdateRemediationStep(ctx context.Context, id string, index int, su triage.StepUpdate, by string) (*exception.Exception, error) {
	return s.mutate(ctx, "remediation_update", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.UpdateRemediationStep(e, index, su, by, now)
	})
}

// AddComment appends a free-text comment.
func (s *Service) AddComment(ctx context.Context, id, text, by string) (*exception.Exception, error) {
	if text == "" {
		return nil, errors.New("comment text is required")
	}
	return s.mutate(ctx, "comment", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return triage.AddComment(e, text, by, now)
	})
}

// MarkSourceResolved records the producer's verdict on the upstream cause.
// Closure itself happens in the next auto-close sweep pass.
func (s *Service) MarkSourceResolved(ctx context.Context, id string, resolved bool, by string) (*exception.Exception, error) {
	return s.mutate(ctx, "source_resolved", id, func(e *exception.Exception, now time.Time) *exception.Update {
		return autoclose.MarkSourceResolved(e, resolved, by, now)
	})
}

// Advice returns the advisory summary for a record, enriched by the
// configured narrative provider when one is present. Provider failure
// degrades to the deterministic summary.
func (s *Service) Advice(ctx context.Context, id string) (*advisor.Summary, error) {
	e, ok, err := s.store.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}

	summary := advisor.Summarize(e, time.Now())
	source := "deterministic"
	if s.provider != nil {
		enriched, err := advisor.Enrich(ctx, s.provider, e, summary)
		if err != nil {
			source = "llm_fallback"
			s.logger.Error(ctx, err, "narrative provider failed, serving deterministic summary", "exception_id", id)
		} else {
			source = "llm"
		}
		summary = enriched
	}
	if s.metrics != nil {
		s.metrics.AdviceTotal.WithLabelValues(source).Inc()
	}
	return summary, nil
}

// Similar ranks the tenant's records against the target.
func (s *Service) Similar(ctx context.Context, id string, limit int) ([]advisor.Match, error) {
	e, ok, err := s.store.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	population, err := s.store.ListExceptions(ctx, store.ExceptionFilter{ClientID: e.ClientID})
	if err != nil {
		return nil, err
	}
	return advisor.FindSimilar(e, population, limit), nil
}

// SuggestCluster returns the first active cluster the record could join, or
// nil. Suggestion only; membership changes happen in the sweep.
func (s *Service) SuggestCluster(ctx context.Context, id string) (*cluster.Cluster, error) {
	e, ok, err := s.store.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	clusters, err := s.store.ListClusters(ctx, e.ClientID)
	if err != nil {
		return nil, err
	}
	return advisor.SuggestCluster(e, clusters), nil
}

// Digest rolls up a tenant's open population.
func (s *Service) Digest(ctx context.Context, clientID string) (*advisor.Digest, error) {
	population, err := s.store.ListExceptions(ctx, store.ExceptionFilter{ClientID: clientID})
	if err != nil {
		return nil, err
	}
	return advisor.GenerateDigest(population, time.Now()), nil
}

// SavePolicy validates and persists an SLA policy, minting an id for new
// ones.
func (s *Service) SavePolicy(ctx context.Context, p *sla.Policy) (*sla.Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if err := s.store.PutPolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPolicy retrieves one policy.
func (s *Service) GetPolicy(ctx context.Context, id string) (*sla.Policy, bool, error) {
	return s.store.GetPolicy(ctx, id)
}

// ListPolicies returns a tenant's policies in priority order.
func (s *Service) ListPolicies(ctx context.Context, clientID string) ([]*sla.Policy, error) {
	return s.store.ListPolicies(ctx, clientID)
}

// DeletePolicy removes a policy.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	return s.store.DeletePolicy(ctx, id)
}

// SaveRule validates and persists a triage rule, minting an id for new ones.
func (s *Service) SaveRule(ctx context.Context, r *rules.Rule) (*rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if err := s.store.PutRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// RuleFromTemplate instantiates and persists one of the canonical templates.
func (s *Service) RuleFromTemplate(ctx context.Context, key rules.TemplateKey, p rules.TemplateParams) (*rules.Rule, error) {
	r := rules.BuildFromTemplate(key, p)
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, key)
	}
	return s.SaveRule(ctx, r)
}

// GetRule retrieves one rule.
func (s *Service) GetRule(ctx context.Context, id string) (*rules.Rule, bool, error) {
	return s.store.GetRule(ctx, id)
}

// ListRules returns a tenant's ruleset in evaluation order.
func (s *Service) ListRules(ctx context.Context, clientID string) ([]*rules.Rule, error) {
	return s.store.ListRules(ctx, clientID)
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.store.DeleteRule(ctx, id)
}

// GetCluster retrieves one cluster.
func (s *Service) GetCluster(ctx context.Context, id string) (*cluster.Cluster, bool, error) {
	return s.store.GetCluster(ctx, id)
}

// ListClusters returns a tenant's clusters.
func (s *Service) ListClusters(ctx context.Context, clientID string) ([]*cluster.Cluster, error) {
	return s.store.ListClusters(ctx, clientID)
}
