// Package rules evaluates declarative condition/action automation against
// exception records. Rules run in ascending priority order and Warden
// applies only the first matching rule's actions per record, so automation
// outcomes stay predictable and non-conflicting.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/exception"
)

// DefaultPriority is assumed for rules that leave Priority unset.
const DefaultPriority = 50

// RuleType categorizes a rule for operators. It is not special-cased in
// evaluation; only conditions and actions matter.
type RuleType string

const (
	RuleAssign   RuleType = "assign"
	RuleEscalate RuleType = "escalate"
	RuleClose    RuleType = "close"
)

// Conditions is a conjunction of predicates. A zero field means "don't
// care" and is vacuously satisfied.
type Conditions struct {
	SourceModuleKey string               `json:"source_module_key,omitempty"`
	TypeKey         exception.TypeKey    `json:"type_key,omitempty"`
	SeverityIn      []exception.Severity `json:"severity_in,omitempty"`
	StatusIn        []exception.Status   `json:"status_in,omitempty"`
	TitleContains   []string             `json:"title_contains,omitempty"` // all terms, case-insensitive
	MinHoursOpen    int                  `json:"min_hours_open,omitempty"`
	SLAAtRisk       *bool                `json:"sla_at_risk,omitempty"`
	SourceResolved  *bool                `json:"source_resolved,omitempty"`
}

// Actions are the independent effects a matching rule applies. Each
// non-empty category appends exactly one timeline entry.
type Actions struct {
	AssignToRole   string             `json:"assign_to_role,omitempty"`
	AssignToUserID string             `json:"assign_to_user_id,omitempty"`
	SetSeverity    exception.Severity `json:"set_severity,omitempty"`
	SetStatus      exception.Status   `json:"set_status,omitempty"`
	AddWatchers    []string           `json:"add_watchers,omitempty"`
}

// IsEmpty reports whether the action set does nothing.
func (a *Actions) IsEmpty() bool {
	return a.AssignToRole == "" && a.AssignToUserID == "" &&
		a.SetSeverity == "" && a.SetStatus == "" && len(a.AddWatchers) == 0
}

// Rule is one declarative automation entry.
type Rule struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	RuleType    RuleType   `json:"rule_type"`
	Enabled     bool       `json:"enabled"`
	Priority    int        `json:"priority,omitempty"` // lower runs first; 0 means DefaultPriority
	Conditions  Conditions `json:"conditions"`
	Actions     Actions    `json:"actions"`

	MatchCount     int        `json:"match_count"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastMatchCount int        `json:"last_match_count"`
}

// Validate rejects structurally invalid rules at authoring time, never at
// evaluation time.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.RuleType {
	case RuleAssign, RuleEscalate, RuleClose:
	default:
		return fmt.Errorf("rule %q: unknown rule_type %q", r.Name, r.RuleType)
	}
	if r.Actions.IsEmpty() {
		return fmt.Errorf("rule %q: at least one action is required", r.Name)
	}
	if r.Actions.SetSeverity != "" && !exception.ValidSeverity(r.Actions.SetSeverity) {
		return fmt.Errorf("rule %q: unknown set_severity %q", r.Name, r.Actions.SetSeverity)
	}
	if r.Actions.SetStatus != "" && !exception.ValidStatus(r.Actions.SetStatus) {
		return fmt.Errorf("rule %q: unknown set_status %q", r.Name, r.Actions.SetStatus)
	}
	return nil
}

// EffectivePriority maps an unset priority to the default.
func (r *Rule) EffectivePriority() int {
	if r.Priority == 0 {
		return DefaultPriority
	}
	return r.Priority
}

// EvalResult is the outcome of evaluating one rule against one record.
type EvalResult struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Matched  bool   `json:"matched"`
	Reason   string `json:"reason,omitempty"` // first failing predicate, for audit
}

// Evaluate checks the rule's conditions against e. A disabled rule never
// matches. The first failing predicate short-circuits and supplies the
// human-readable reason.
func Evaluate(e *exception.Exception, r *Rule, now time.Time) EvalResult {
	res := EvalResult{RuleID: r.ID, RuleName: r.Name}

	if !r.Enabled {
		res.Reason = "rule disabled"
		return res
	}

	c := &r.Conditions

	if c.SourceModuleKey != "" && c.SourceModuleKey != e.SourceModuleKey {
		res.Reason = fmt.Sprintf("source module %q != %q", e.SourceModuleKey, c.SourceModuleKey)
		return res
	}
	if c.TypeKey != "" && c.TypeKey != e.TypeKey {
		res.Reason = fmt.Sprintf("type %q != %q", e.TypeKey, c.TypeKey)
		return res
	}
	if len(c.SeverityIn) > 0 && !containsSeverity(c.SeverityIn, e.Severity) {
		res.Reason = fmt.Sprintf("severity %q not in %v", e.Severity, c.SeverityIn)
		return res
	}
	if len(c.StatusIn) > 0 && !containsStatus(c.StatusIn, e.Status) {
		res.Reason = fmt.Sprintf("status %q not in %v", e.Status, c.StatusIn)
		return res
	}
	if len(c.TitleContains) > 0 {
		title := strings.ToLower(e.Title)
		for _, term := range c.TitleContains {
			if !strings.Contains(title, strings.ToLower(term)) {
				res.Reason = fmt.Sprintf("title missing term %q", term)
				return res
			}
		}
	}
	if c.MinHoursOpen > 0 {
		age := now.Sub(e.CreatedAt)
		if age < time.Duration(c.MinHoursOpen)*time.Hour {
			res.Reason = fmt.Sprintf("open %.1fh < required %dh", age.Hours(), c.MinHoursOpen)
			return res
		}
	}
	if c.SLAAtRisk != nil && *c.SLAAtRisk != e.SLAAtRisk {
		res.Reason = fmt.Sprintf("sla_at_risk is %v", e.SLAAtRisk)
		return res
	}
	if c.SourceResolved != nil && *c.SourceResolved != e.SourceResolved {
		res.Reason = fmt.Sprintf("source_resolved is %v", e.SourceResolved)
		return res
	}

	res.Matched = true
	return res
}

// EvaluateAll evaluates every rule against e in ascending priority order
// and returns a result per rule, matched or not. The ordering matters for
// RunOnExceptions' first-match policy; returning all results keeps the
// evaluation auditable.
func EvaluateAll(e *exception.Exception, ruleset []*Rule, now time.Time) []EvalResult {
	sorted := sortByPriority(ruleset)
	results := make([]EvalResult, 0, len(sorted))
	for _, r := range sorted {
		results = append(results, Evaluate(e, r, now))
	}
	return results
}

// ApplyActions builds the delta for a matched rule's actions. Actions are
// independent and may combine; each non-empty category appends one
// timeline entry marked as rule-driven via the performedBy field.
func ApplyActions(e *exception.Exception, a *Actions, performedBy string, now time.Time) *exception.Update {
	u := &exception.Update{UpdatedAt: now}

	if a.AssignToUserID != "" || a.AssignToRole != "" {
		if a.AssignToUserID != "" {
			u.AssignedToUserID = exception.StrPtr(a.AssignToUserID)
		}
		if a.AssignToRole != "" {
			u.AssignedToRole = exception.StrPtr(a.AssignToRole)
		}
		u.AppendTimeline = append(u.AppendTimeline, exception.TimelineEntry{
			At:    now,
			Type:  exception.EventAssigned,
			By:    performedBy,
			Notes: describeAssignAction(a),
		})
	}

	if a.SetSeverity != "" {
		u.Severity = exception.SeverityPtr(a.SetSeverity)
		u.AppendTimeline = append(u.AppendTimeline, exception.TimelineEntry{
			At:    now,
			Type:  exception.EventSeverityChanged,
			By:    performedBy,
			Notes: fmt.Sprintf("%s -> %s (rule)", e.Severity, a.SetSeverity),
		})
	}

	if a.SetStatus != "" {
		eventType := exception.EventStatusChanged
		if a.SetStatus == exception.StatusClosed {
			eventType = exception.EventClosed
			u.ClosedAt = exception.TimePtr(now)
		}
		u.Status = exception.StatusPtr(a.SetStatus)
		u.AppendTimeline = append(u.AppendTimeline, exception.TimelineEntry{
			At:    now,
			Type:  eventType,
			By:    performedBy,
			Notes: fmt.Sprintf("%s -> %s (rule)", e.Status, a.SetStatus),
		})
	}

	if len(a.AddWatchers) > 0 {
		watchers := unionWatchers(e.Watchers, a.AddWatchers)
		if len(watchers) != len(e.Watchers) {
			u.Watchers = watchers
		}
	}

	return u
}

// RunResult records one rule application from a sweep.
type RunResult struct {
	ExceptionID string            `json:"exception_id"`
	RuleID      string            `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	Update      *exception.Update `json:"update"`
}

// RunOnExceptions evaluates the ruleset over the population and applies
// only the first matching rule per open record. Closed records are skipped;
// records matched by no rule produce no entry. Each record is evaluated
// independently so one bad record never halts the sweep.
func RunOnExceptions(exceptions []*exception.Exception, ruleset []*Rule, performedBy string, now time.Time) []RunResult {
	sorted := sortByPriority(ruleset)

	var results []RunResult
	for _, e := range exceptions {
		if e.IsClosed() {
			continue
		}
		for _, r := range sorted {
			if !Evaluate(e, r, now).Matched {
				continue
			}
			results = append(results, RunResult{
				ExceptionID: e.ID,
				RuleID:      r.ID,
				RuleName:    r.Name,
				Update:      ApplyActions(e, &r.Actions, performedBy, now),
			})
			break // first match wins, no action merging across rules
		}
	}
	return results
}

func sortByPriority(ruleset []*Rule) []*Rule {
	sorted := make([]*Rule, len(ruleset))
	copy(sorted, ruleset)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectivePriority() < sorted[j].EffectivePriority()
	})
	return sorted
}

func describeAssignAction(a *Actions) string {
	switch {
	case a.AssignToUserID != "" && a.AssignToRole != "":
		return fmt.Sprintf("assigned to %s (%s) by rule", a.AssignToUserID, a.AssignToRole)
	case a.AssignToUserID != "":
		return fmt.Sprintf("assigned to %s by rule", a.AssignToUserID)
	default:
		return fmt.Sprintf("assigned to role %s by rule", a.AssignToRole)
	}
}

func unionWatchers(current, add []string) []string {
	out := append([]string(nil), current...)
	for _, w := range add {
		seen := false
		for _, existing := range out {
			if existing == w {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, w)
		}
	}
	return out
}

func containsSeverity(set []exception.Severity, s exception.Severity) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(set []exception.Status, s exception.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
