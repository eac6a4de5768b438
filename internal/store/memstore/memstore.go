// Package memstore provides an in-memory implementation of store.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/cluster"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/sla"
	"github.com/linnemanlabs/warden/internal/store"
)

// Store holds all entities in memory. Suitable for dev/testing. The single
// mutex serializes ApplyUpdate, which gives per-record delta application for
// free.
type Store struct {
	mu         sync.RWMutex
	exceptions map[string]*exception.Exception
	policies   map[string]*sla.Policy
	rules      map[string]*rules.Rule
	clusters   map[string]*cluster.Cluster
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		exceptions: make(map[string]*exception.Exception),
		policies:   make(map[string]*sla.Policy),
		rules:      make(map[string]*rules.Rule),
		clusters:   make(map[string]*cluster.Cluster),
	}
}

// Close is a no-op; it exists to satisfy store.Store.
func (s *Store) Close() {}

// PutException stores a deep copy of e.
func (s *Store) PutException(_ context.Context, e *exception.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions[e.ID] = e.Clone()
	return nil
}

// GetException retrieves an exception by ID. Returns a copy.
func (s *Store) GetException(_ context.Context, id string) (*exception.Exception, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exceptions[id]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// ListExceptions returns copies of all records matching the filter, newest
// first, with offset and limit applied after sorting.
func (s *Store) ListExceptions(_ context.Context, f store.ExceptionFilter) ([]*exception.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*exception.Exception
	for _, e := range s.exceptions {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ApplyUpdate applies the delta under the write lock and returns a copy of
// the result. The stored record's UpdatedAt must still equal the caller's
// snapshot; a stale snapshot gets ErrConflict and the record stays untouched.
func (s *Store) ApplyUpdate(_ context.Context, id string, expectedUpdatedAt time.Time, u *exception.Update) (*exception.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.exceptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !e.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, store.ErrConflict
	}
	u.ApplyTo(e)
	return e.Clone(), nil
}

// PutPolicy stores a copy of p.
func (s *Store) PutPolicy(_ context.Context, p *sla.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

// GetPolicy retrieves a policy by ID. Returns a copy.
func (s *Store) GetPolicy(_ context.Context, id string) (*sla.Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

// ListPolicies returns the tenant's policies ordered by priority then ID.
func (s *Store) ListPolicies(_ context.Context, clientID string) ([]*sla.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*sla.Policy
	for _, p := range s.policies {
		if clientID != "" && p.ClientID != clientID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeletePolicy removes a policy. Deleting a missing ID is not an error.
func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

// PutRule stores a copy of r.
func (s *Store) PutRule(_ context.Context, r *rules.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

// GetRule retrieves a rule by ID. Returns a copy.
func (s *Store) GetRule(_ context.Context, id string) (*rules.Rule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// ListRules returns the tenant's rules ordered by priority then ID.
func (s *Store) ListRules(_ context.Context, clientID string) ([]*rules.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*rules.Rule
	for _, r := range s.rules {
		if clientID != "" && r.ClientID != clientID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectivePriority() != out[j].EffectivePriority() {
			return out[i].EffectivePriority() < out[j].EffectivePriority()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteRule removes a rule. Deleting a missing ID is not an error.
func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

// PutCluster stores a copy of c.
func (s *Store) PutCluster(_ context.Context, c *cluster.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	s.clusters[c.ID] = &cp
	return nil
}

// GetCluster retrieves a cluster by ID. Returns a copy.
func (s *Store) GetCluster(_ context.Context, id string) (*cluster.Cluster, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	return &cp, true, nil
}

// ListClusters returns the tenant's clusters ordered by ID.
func (s *Store) ListClusters(_ context.Context, clientID string) ([]*cluster.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*cluster.Cluster
	for _, c := range s.clusters {
		if clientID != "" && c.ClientID != clientID {
			continue
		}
		cp := *c
		cp.MemberIDs = append([]string(nil), c.MemberIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
