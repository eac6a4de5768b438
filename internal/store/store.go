// Package store defines the persistence interface for exception records and
// their supporting entities. Implementations serialize concurrent deltas per
// record: ApplyUpdate compare-and-sets against the updated_at the caller read
// its snapshot at, so a writer holding stale state gets ErrConflict instead
// of silently clobbering the winner.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/cluster"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/sla"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a concurrent writer changed the record
	// between read and write. Callers retry with fresh state.
	ErrConflict = errors.New("store: concurrent update conflict")
)

// ExceptionFilter narrows ListExceptions. Zero values match everything;
// slice fields are OR within the field and AND across fields.
type ExceptionFilter struct {
	ClientID         string
	Status           []exception.Status
	Severity         []exception.Severity
	TypeKey          []exception.TypeKey
	SourceModuleKey  string
	AssignedToUserID string
	AssignedToRole   string
	ClusterID        string
	SLAAtRisk        *bool
	Limit            int
	Offset           int
}

// Matches reports whether e passes the filter. Shared by the in-memory
// implementation and by tests.
func (f ExceptionFilter) Matches(e *exception.Exception) bool {
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if len(f.Status) > 0 && !containsStatus(f.Status, e.Status) {
		return false
	}
	if len(f.Severity) > 0 && !containsSeverity(f.Severity, e.Severity) {
		return false
	}
	if len(f.TypeKey) > 0 && !containsType(f.TypeKey, e.TypeKey) {
		return false
	}
	if f.SourceModuleKey != "" && e.SourceModuleKey != f.SourceModuleKey {
		return false
	}
	if f.AssignedToUserID != "" && e.AssignedToUserID != f.AssignedToUserID {
		return false
	}
	if f.AssignedToRole != "" && e.AssignedToRole != f.AssignedToRole {
		return false
	}
	if f.ClusterID != "" && e.ClusterID != f.ClusterID {
		return false
	}
	if f.SLAAtRisk != nil && e.SLAAtRisk != *f.SLAAtRisk {
		return false
	}
	return true
}

func containsStatus(xs []exception.Status, x exception.Status) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsSeverity(xs []exception.Severity, x exception.Severity) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsType(xs []exception.TypeKey, x exception.TypeKey) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Store is the persistence interface for the exception engine.
type Store interface {
	// Exceptions. ApplyUpdate is the only mutation path after creation:
	// expectedUpdatedAt is the UpdatedAt of the snapshot the delta was
	// computed from, and the update applies only while the stored record
	// still carries it. On success it returns the record with the delta
	// applied; a concurrent writer yields ErrConflict.
	PutException(ctx context.Context, e *exception.Exception) error
	GetException(ctx context.Context, id string) (*exception.Exception, bool, error)
	ListExceptions(ctx context.Context, f ExceptionFilter) ([]*exception.Exception, error)
	ApplyUpdate(ctx context.Context, id string, expectedUpdatedAt time.Time, u *exception.Update) (*exception.Exception, error)

	// SLA policies.
	PutPolicy(ctx context.Context, p *sla.Policy) error
	GetPolicy(ctx context.Context, id string) (*sla.Policy, bool, error)
	ListPolicies(ctx context.Context, clientID string) ([]*sla.Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	// Triage rules.
	PutRule(ctx context.Context, r *rules.Rule) error
	GetRule(ctx context.Context, id string) (*rules.Rule, bool, error)
	ListRules(ctx context.Context, clientID string) ([]*rules.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	// Clusters.
	PutCluster(ctx context.Context, c *cluster.Cluster) error
	GetCluster(ctx context.Context, id string) (*cluster.Cluster, bool, error)
	ListClusters(ctx context.Context, clientID string) ([]*cluster.Cluster, error)

	Close()
}
