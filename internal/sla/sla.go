// Package sla computes deadlines, at-risk and overdue state, and escalation
// timing for exception records from tenant-scoped SLA policies. Every
// function is a pure transformation of its inputs plus a caller-supplied
// clock value, so sweeps can recompute state at any time.
package sla

import (
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/warden/internal/exception"
)

// DefaultWarningThresholdHours is used when a policy sets no explicit
// warning window.
const DefaultWarningThresholdHours = 4

// AppliesToAll is the wildcard value for policy type/severity selectors.
const AppliesToAll = "all"

// Policy maps an exception's type and severity to a response deadline and
// escalation timing. Lower priority runs first; exactly one policy is
// selected per record.
type Policy struct {
	ID                    string   `json:"id"`
	ClientID              string   `json:"client_id"`
	Name                  string   `json:"name"`
	AppliesToTypeKey      string   `json:"applies_to_type_key"`           // "all" or one TypeKey
	AppliesToSeverity     string   `json:"applies_to_severity,omitempty"` // "", "all", or one Severity
	DefaultSLAHours       int      `json:"default_sla_hours"`
	WarningThresholdHours int      `json:"warning_threshold_hours,omitempty"`
	EscalationHours       int      `json:"escalation_hours,omitempty"`
	NotifyRoles           []string `json:"notify_roles,omitempty"`
	EscalateToRoles       []string `json:"escalate_to_roles,omitempty"`
	Enabled               bool     `json:"enabled"`
	Priority              int      `json:"priority"`
}

// Validate rejects structurally invalid policies at authoring time.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.DefaultSLAHours <= 0 {
		return fmt.Errorf("policy %q: default_sla_hours must be positive", p.Name)
	}
	if p.AppliesToTypeKey != AppliesToAll && !exception.ValidTypeKey(exception.TypeKey(p.AppliesToTypeKey)) {
		return fmt.Errorf("policy %q: unknown applies_to_type_key %q", p.Name, p.AppliesToTypeKey)
	}
	if p.AppliesToSeverity != "" && p.AppliesToSeverity != AppliesToAll &&
		!exception.ValidSeverity(exception.Severity(p.AppliesToSeverity)) {
		return fmt.Errorf("policy %q: unknown applies_to_severity %q", p.Name, p.AppliesToSeverity)
	}
	return nil
}

// warningThreshold returns the policy's warning window in hours.
func (p *Policy) warningThreshold() int {
	if p.WarningThresholdHours > 0 {
		return p.WarningThresholdHours
	}
	return DefaultWarningThresholdHours
}

// FindApplicablePolicy selects the single policy governing e, or nil when
// none matches. Disabled policies never match. Candidates are considered in
// ascending priority, ties broken by input order (stable sort), and the
// first match wins.
func FindApplicablePolicy(e *exception.Exception, policies []*Policy) *Policy {
	sorted := make([]*Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	for _, p := range sorted {
		if !p.Enabled {
			continue
		}
		if p.AppliesToTypeKey != AppliesToAll && p.AppliesToTypeKey != string(e.TypeKey) {
			continue
		}
		if p.AppliesToSeverity != "" && p.AppliesToSeverity != AppliesToAll &&
			p.AppliesToSeverity != string(e.Severity) {
			continue
		}
		return p
	}
	return nil
}

// CalculateDueAt returns the absolute deadline: createdAt plus the policy's
// default SLA hours. Pure function of its inputs.
func CalculateDueAt(e *exception.Exception, p *Policy) time.Time {
	return e.CreatedAt.Add(time.Duration(p.DefaultSLAHours) * time.Hour)
}

// CheckAtRisk reports whether the deadline is inside the warning window:
// not yet passed, with remaining time at or under the threshold. Overdue is
// a distinct state and is strictly excluded here.
func CheckAtRisk(dueAt time.Time, warningThresholdHours int, now time.Time) bool {
	if warningThresholdHours <= 0 {
		warningThresholdHours = DefaultWarningThresholdHours
	}
	remaining := dueAt.Sub(now)
	return remaining > 0 && remaining <= time.Duration(warningThresholdHours)*time.Hour
}

// IsPastDue reports whether the record's deadline has passed.
func IsPastDue(e *exception.Exception, now time.Time) bool {
	return e.SLADueAt != nil && now.After(*e.SLADueAt)
}

// StatusValue is the derived SLA state used for presentation.
type StatusValue string

const (
	StatusNoSLA   StatusValue = "no_sla"
	StatusOK      StatusValue = "ok"
	StatusAtRisk  StatusValue = "at_risk"
	StatusOverdue StatusValue = "overdue"
)

// Status derives the SLA state from the record alone. It is the single
// source of truth for SLA presentation.
func Status(e *exception.Exception, now time.Time) StatusValue {
	if e.SLADueAt == nil {
		return StatusNoSLA
	}
	if now.After(*e.SLADueAt) {
		return StatusOverdue
	}
	if e.SLAAtRisk {
		return StatusAtRisk
	}
	return StatusOK
}

// ApplyPolicy returns the delta attaching p to e: policy id, due date, and
// the initial at-risk flag.
func ApplyPolicy(e *exception.Exception, p *Policy, now time.Time) *exception.Update {
	dueAt := CalculateDueAt(e, p)
	return &exception.Update{
		SLAPolicyID: exception.StrPtr(p.ID),
		SLADueAt:    exception.TimePtr(dueAt),
		SLAAtRisk:   exception.BoolPtr(CheckAtRisk(dueAt, p.warningThreshold(), now)),
		UpdatedAt:   now,
	}
}

// UpdateStatus recomputes the at-risk flag and returns a delta only when the
// value actually changed. Repeated calls with no elapsed time return an
// empty delta, which keeps the periodic sweep idempotent.
func UpdateStatus(e *exception.Exception, p *Policy, now time.Time) *exception.Update {
	if e.SLADueAt == nil {
		return &exception.Update{}
	}
	threshold := DefaultWarningThresholdHours
	if p != nil {
		threshold = p.warningThreshold()
	}
	atRisk := CheckAtRisk(*e.SLADueAt, threshold, now)
	if atRisk == e.SLAAtRisk {
		return &exception.Update{}
	}
	return &exception.Update{
		SLAAtRisk: exception.BoolPtr(atRisk),
		UpdatedAt: now,
	}
}

// ShouldEscalate reports whether the record has entered its escalation
// window. Read-only: escalation itself is a triage operation or rule action.
func ShouldEscalate(e *exception.Exception, p *Policy, now time.Time) bool {
	if p == nil || p.EscalationHours <= 0 {
		return false
	}
	if e.IsClosed() || e.SLADueAt == nil {
		return false
	}
	threshold := e.SLADueAt.Add(-time.Duration(p.EscalationHours) * time.Hour)
	return !now.Before(threshold)
}

// TimeToDue is the human-readable remaining (or overdue) duration.
type TimeToDue struct {
	Hours     int    `json:"hours"`
	Minutes   int    `json:"minutes"`
	IsOverdue bool   `json:"is_overdue"`
	Formatted string `json:"formatted"`
}

// TimeUntilDue breaks the distance to the deadline into exact hours and
// minutes. Formatting is presentation detail; the numeric fields are exact.
func TimeUntilDue(dueAt, now time.Time) TimeToDue {
	d := dueAt.Sub(now)
	overdue := d < 0
	if overdue {
		d = -d
	}
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	formatted := fmt.Sprintf("%dh %dm remaining", hours, minutes)
	if overdue {
		formatted = fmt.Sprintf("%dh %dm overdue", hours, minutes)
	}

	return TimeToDue{
		Hours:     hours,
		Minutes:   minutes,
		IsOverdue: overdue,
		Formatted: formatted,
	}
}
