// Package sweep drives the periodic maintenance passes over each tenant's
// open exception population: SLA recompute and escalation, rule automation,
// clustering, auto-close, and digest delivery. Every pass evaluates a
// read-only snapshot with the pure engine functions and applies the
// resulting deltas through the store, compare-and-set against the snapshot.
// A conflict means another writer changed the record after the snapshot was
// taken; the stale delta is dropped and the record is picked up fresh on the
// next tick.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

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

// performedBy marks sweep-driven timeline entries, distinguishable from
// manual operator actions.
const performedBy = "system"

// Notifier delivers what the engine produced. The sweeper never decides who
// to notify; policies pick the escalation roles, and digests go to the
// tenant's configured channel.
type Notifier interface {
	SendEscalation(ctx context.Context, e *exception.Exception, roles []string) error
	SendDigest(ctx context.Context, clientID string, d *advisor.Digest) error
}

// Stats summarizes one sweep run.
type Stats struct {
	Tenants      int `json:"tenants"`
	Examined     int `json:"examined"`
	SLAApplied   int `json:"sla_applied"`
	SLAChanged   int `json:"sla_changed"`
	Escalated    int `json:"escalated"`
	RuleMatches  int `json:"rule_matches"`
	ClustersMade int `json:"clusters_made"`
	ClusterJoins int `json:"cluster_joins"`
	AutoClosed   int `json:"auto_closed"`
	DigestsSent  int `json:"digests_sent"`
	Conflicts    int `json:"conflicts"`
	Errors       int `json:"errors"`
}

// String renders the stats for log lines.
func (s *Stats) String() string {
	return fmt.Sprintf("tenants=%d examined=%d sla=%d/%d escalated=%d rules=%d clusters=%d/%d closed=%d digests=%d conflicts=%d errors=%d",
		s.Tenants, s.Examined, s.SLAApplied, s.SLAChanged, s.Escalated,
		s.RuleMatches, s.ClustersMade, s.ClusterJoins, s.AutoClosed, s.DigestsSent, s.Conflicts, s.Errors)
}

// Sweeper runs the maintenance passes on a ticker or on demand.
type Sweeper struct {
	store       store.Store
	reg         *registry.Registry
	locale      registry.Locale
	notifier    Notifier
	logger      log.Logger
	metrics     *Metrics
	interval    time.Duration
	digestEvery time.Duration

	// mu serializes overlapping runs: a slow ticker pass and an on-demand
	// trigger must not interleave their delta application. It also guards
	// lastDigest.
	mu         sync.Mutex
	lastDigest time.Time
}

// New creates a sweeper. A nil notifier disables notification delivery; a
// digestEvery of zero disables digest delivery while leaving escalation
// notifications on.
func New(st store.Store, reg *registry.Registry, loc registry.Locale, notifier Notifier, logger log.Logger, metrics *Metrics, interval, digestEvery time.Duration) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		store:       st,
		reg:         reg,
		locale:      loc,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		interval:    interval,
		digestEvery: digestEvery,
	}
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info(ctx, "sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			stats, err := s.RunOnce(ctx, time.Now())
			if err != nil {
				s.logger.Error(ctx, err, "sweep failed", "stats", stats.String())
				continue
			}
			s.logger.Info(ctx, "sweep complete", "stats", stats.String())
		}
	}
}

// RunOnce executes one full sweep at the given instant. Cancellation is
// checked between tenants; a cancelled sweep leaves later tenants
// unevaluated until the next tick, which is safe because every pass is
// idempotent given unchanged inputs.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	stats := &Stats{}

	open, err := s.store.ListExceptions(ctx, store.ExceptionFilter{
		Status: []exception.Status{exception.StatusOpen, exception.StatusTriage, exception.StatusInProgress},
	})
	if err != nil {
		s.observe(stats, start, "error")
		return stats, fmt.Errorf("list open exceptions: %w", err)
	}
	stats.Examined = len(open)

	byTenant := make(map[string][]*exception.Exception)
	for _, e := range open {
		byTenant[e.ClientID] = append(byTenant[e.ClientID], e)
	}
	tenants := make([]string, 0, len(byTenant))
	for id := range byTenant {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)

	for _, clientID := range tenants {
		if err := ctx.Err(); err != nil {
			s.observe(stats, start, "cancelled")
			return stats, err
		}
		stats.Tenants++
		s.sweepTenant(ctx, clientID, byTenant[clientID], now, stats)
	}

	s.digestPass(ctx, tenants, byTenant, now, stats)

	result := "ok"
	if stats.Errors > 0 {
		result = "partial"
	}
	s.observe(stats, start, result)
	return stats, nil
}

func (s *Sweeper) sweepTenant(ctx context.Context, clientID string, open []*exception.Exception, now time.Time, stats *Stats) {
	s.slaPass(ctx, clientID, open, now, stats)
	s.rulesPass(ctx, clientID, open, now, stats)
	s.clusterPass(ctx, clientID, open, now, stats)
	s.autoClosePass(ctx, open, now, stats)
}

// slaPass attaches missing policies, recomputes the at-risk flag, and
// escalates records that entered their escalation window. Escalation forces
// severity to critical, so an already-critical record is never escalated
// again on later ticks.
func (s *Sweeper) slaPass(ctx context.Context, clientID string, open []*exception.Exception, now time.Time, stats *Stats) {
	policies, err := s.store.ListPolicies(ctx, clientID)
	if err != nil {
		stats.Errors++
		s.logger.Error(ctx, err, "list sla policies", "client_id", clientID)
		return
	}

	for i, e := range open {
		p := sla.FindApplicablePolicy(e, policies)

		if e.SLAPolicyID == "" && p != nil {
			if updated, ok := s.applyDelta(ctx, e.ID, e.UpdatedAt, sla.ApplyPolicy(e, p, now), stats); ok {
				open[i], e = updated, updated
				stats.SLAApplied++
				s.count(func(m *Metrics) { m.SLAUpdatesTotal.Inc() })
			}
		} else if u := sla.UpdateStatus(e, p, now); !u.IsEmpty() {
			if updated, ok := s.applyDelta(ctx, e.ID, e.UpdatedAt, u, stats); ok {
				open[i], e = updated, updated
				stats.SLAChanged++
				s.count(func(m *Metrics) { m.SLAUpdatesTotal.Inc() })
			}
		}

		if p == nil || e.Severity == exception.SeverityCritical || !sla.ShouldEscalate(e, p, now) {
			continue
		}

		role := ""
		if len(p.EscalateToRoles) > 0 {
			role = p.EscalateToRoles[0]
		}
		reason := fmt.Sprintf("sla escalation window reached for policy %q", p.Name)
		updated, ok := s.applyDelta(ctx, e.ID, e.UpdatedAt, triage.Escalate(e, role, performedBy, reason, now), stats)
		if !ok {
			continue
		}
		open[i] = updated
		stats.Escalated++
		s.count(func(m *Metrics) { m.EscalationsTotal.Inc() })

		notifyRoles := p.EscalateToRoles
		if len(notifyRoles) == 0 {
			notifyRoles = p.NotifyRoles
		}
		if s.notifier != nil {
			if err := s.notifier.SendEscalation(ctx, updated, notifyRoles); err != nil {
				s.logger.Error(ctx, err, "send escalation notification", "exception_id", e.ID)
			}
		}
	}
}

// rulesPass runs the tenant's ruleset with first-match-wins semantics and
// records per-rule match counts back on the rule entities.
func (s *Sweeper) rulesPass(ctx context.Context, clientID string, open []*exception.Exception, now time.Time, stats *Stats) {
	ruleset, err := s.store.ListRules(ctx, clientID)
	if err != nil {
		stats.Errors++
		s.logger.Error(ctx, err, "list rules", "client_id", clientID)
		return
	}
	if len(ruleset) == 0 {
		return
	}

	matches := make(map[string]int)
	for _, rr := range rules.RunOnExceptions(open, ruleset, performedBy, now) {
		idx := indexByID(open, rr.ExceptionID)
		if idx < 0 {
			continue
		}
		updated, ok := s.applyDelta(ctx, rr.ExceptionID, open[idx].UpdatedAt, rr.Update, stats)
		if !ok {
			continue
		}
		open[idx] = updated
		matches[rr.RuleID]++
		stats.RuleMatches++
		s.count(func(m *Metrics) { m.RuleMatchesTotal.Inc() })
	}

	for _, r := range ruleset {
		if !r.Enabled {
			continue
		}
		n := matches[r.ID]
		r.MatchCount += n
		r.LastMatchCount = n
		t := now
		r.LastRunAt = &t
		if err := s.store.PutRule(ctx, r); err != nil {
			stats.Errors++
			s.logger.Error(ctx, err, "persist rule stats", "rule_id", r.ID)
		}
	}
}

// clusterPass first merges unclustered records into existing active
// clusters, then runs the batch grouping over whatever is left. Grouping is
// single-pass and non-transitive; partially overlapping groups stay apart.
func (s *Sweeper) clusterPass(ctx context.Context, clientID string, open []*exception.Exception, now time.Time, stats *Stats) {
	clusters, err := s.store.ListClusters(ctx, clientID)
	if err != nil {
		stats.Errors++
		s.logger.Error(ctx, err, "list clusters", "client_id", clientID)
		return
	}

	var unclustered []*exception.Exception
	for i, e := range open {
		if e.IsClosed() || e.ClusterID != "" {
			continue
		}
		merged := false
		for _, c := range clusters {
			if c.Status != cluster.StatusActive || !cluster.ShouldMerge(e, c) {
				continue
			}
			u := cluster.AddMember(c, e, now)
			if u.IsEmpty() {
				merged = true
				break
			}
			if updated, ok := s.applyDelta(ctx, e.ID, e.UpdatedAt, u, stats); ok {
				open[i] = updated
				stats.ClusterJoins++
				if err := s.store.PutCluster(ctx, c); err != nil {
					stats.Errors++
					s.logger.Error(ctx, err, "persist cluster", "cluster_id", c.ID)
				}
			}
			merged = true
			break
		}
		if !merged {
			unclustered = append(unclustered, open[i])
		}
	}

	res := cluster.ClusterExceptions(unclustered, s.reg, s.locale, now)
	for _, c := range res.Clusters {
		if err := s.store.PutCluster(ctx, c); err != nil {
			stats.Errors++
			s.logger.Error(ctx, err, "persist cluster", "cluster_id", c.ID)
			continue
		}
		stats.ClustersMade++
		s.count(func(m *Metrics) { m.ClustersCreated.Inc() })
		for _, memberID := range c.MemberIDs {
			idx := indexByID(open, memberID)
			if idx < 0 {
				continue
			}
			u := &exception.Update{ClusterID: exception.StrPtr(c.ID), UpdatedAt: now}
			if updated, ok := s.applyDelta(ctx, memberID, open[idx].UpdatedAt, u, stats); ok {
				open[idx] = updated
			}
		}
	}

	// Membership changed this tick; rederive counts and derived status for
	// the pre-existing clusters.
	for _, c := range clusters {
		members, err := s.store.ListExceptions(ctx, store.ExceptionFilter{ClusterID: c.ID})
		if err != nil {
			stats.Errors++
			s.logger.Error(ctx, err, "list cluster members", "cluster_id", c.ID)
			continue
		}
		cluster.RecalculateStats(c, members, now)
		if err := s.store.PutCluster(ctx, c); err != nil {
			stats.Errors++
			s.logger.Error(ctx, err, "persist cluster", "cluster_id", c.ID)
		}
	}
}

// autoClosePass runs last so a record closed here is not re-evaluated by the
// earlier passes in the same tick.
func (s *Sweeper) autoClosePass(ctx context.Context, open []*exception.Exception, now time.Time, stats *Stats) {
	for i, res := range autoclose.RunBatch(open, performedBy, now) {
		if !res.WasAutoClosable {
			continue
		}
		if updated, ok := s.applyDelta(ctx, res.ExceptionID, open[i].UpdatedAt, res.Update, stats); ok {
			open[i] = updated
			stats.AutoClosed++
			s.count(func(m *Metrics) { m.AutoClosesTotal.Inc() })
		}
	}
}

// digestPass sends each tenant a rollup of its open population. Delivery is
// gated by digestEvery rather than by the sweep interval: the first sweep
// after startup sends one, then the clock decides. A failed send counts as
// an error and is retried naturally on the next eligible sweep.
func (s *Sweeper) digestPass(ctx context.Context, tenants []string, byTenant map[string][]*exception.Exception, now time.Time, stats *Stats) {
	if s.notifier == nil || s.digestEvery <= 0 {
		return
	}
	if !s.lastDigest.IsZero() && now.Sub(s.lastDigest) < s.digestEvery {
		return
	}
	for _, clientID := range tenants {
		d := advisor.GenerateDigest(byTenant[clientID], now)
		if err := s.notifier.SendDigest(ctx, clientID, d); err != nil {
			stats.Errors++
			s.logger.Error(ctx, err, "send digest", "client_id", clientID)
			continue
		}
		stats.DigestsSent++
		s.count(func(m *Metrics) { m.DigestsTotal.Inc() })
	}
	s.lastDigest = now
}

// applyDelta persists one delta compare-and-set against the snapshot the
// pass computed it from. Losing the race means the delta is stale, so it is
// dropped rather than re-applied blindly; the next tick recomputes from
// fresh state.
func (s *Sweeper) applyDelta(ctx context.Context, id string, snapshotUpdatedAt time.Time, u *exception.Update, stats *Stats) (*exception.Exception, bool) {
	if u.IsEmpty() {
		return nil, false
	}
	updated, err := s.store.ApplyUpdate(ctx, id, snapshotUpdatedAt, u)
	if err == nil {
		return updated, true
	}
	if errors.Is(err, store.ErrConflict) {
		stats.Conflicts++
		s.count(func(m *Metrics) { m.ConflictsTotal.Inc() })
		return nil, false
	}
	stats.Errors++
	s.logger.Error(ctx, err, "apply sweep delta", "exception_id", id)
	return nil, false
}

func indexByID(open []*exception.Exception, id string) int {
	for i, e := range open {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Sweeper) observe(stats *Stats, start time.Time, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SweepsTotal.WithLabelValues(result).Inc()
	s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	s.metrics.RecordsExamined.Observe(float64(stats.Examined))
}

func (s *Sweeper) count(f func(*Metrics)) {
	if s.metrics != nil {
		f(s.metrics)
	}
}
