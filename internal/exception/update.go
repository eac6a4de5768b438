package exception

import "time"

// Update is the delta an engine operation returns instead of mutating the
// record in place. The persistence layer applies it transactionally; nil
// pointer fields mean "leave unchanged". Timeline entries are append-only.
type Update struct {
	Status   *Status   `json:"status,omitempty"`
	Severity *Severity `json:"severity,omitempty"`

	// Assignment uses pointer-to-string so an explicit empty string clears
	// the field (unassign) while nil leaves it alone.
	AssignedToUserID *string `json:"assigned_to_user_id,omitempty"`
	AssignedToRole   *string `json:"assigned_to_role,omitempty"`

	// Watchers replaces the whole set when non-nil.
	Watchers []string `json:"watchers,omitempty"`

	SLAPolicyID *string    `json:"sla_policy_id,omitempty"`
	SLADueAt    *time.Time `json:"sla_due_at,omitempty"`
	SLAAtRisk   *bool      `json:"sla_at_risk,omitempty"`

	SourceResolved *bool   `json:"source_resolved,omitempty"`
	ClusterID      *string `json:"cluster_id,omitempty"`

	// Remediation replaces the whole list when non-nil. The list itself is
	// append-or-update-in-place, so a replacement is always a superset of
	// the previous prefix.
	Remediation []RemediationStep `json:"remediation,omitempty"`

	// AppendTimeline entries are appended after all field changes.
	AppendTimeline []TimelineEntry `json:"append_timeline,omitempty"`

	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// IsEmpty reports whether applying the update would change nothing.
func (u *Update) IsEmpty() bool {
	if u == nil {
		return true
	}
	return u.Status == nil &&
		u.Severity == nil &&
		u.AssignedToUserID == nil &&
		u.AssignedToRole == nil &&
		u.Watchers == nil &&
		u.SLAPolicyID == nil &&
		u.SLADueAt == nil &&
		u.SLAAtRisk == nil &&
		u.SourceResolved == nil &&
		u.ClusterID == nil &&
		u.Remediation == nil &&
		len(u.AppendTimeline) == 0 &&
		u.ClosedAt == nil
}

// ApplyTo merges the update into e. Callers that need isolation should pass
// a Clone; stores apply under their own serialization (mutex or CAS).
func (u *Update) ApplyTo(e *Exception) {
	if u == nil {
		return
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.Severity != nil {
		e.Severity = *u.Severity
	}
	if u.AssignedToUserID != nil {
		e.AssignedToUserID = *u.AssignedToUserID
	}
	if u.AssignedToRole != nil {
		e.AssignedToRole = *u.AssignedToRole
	}
	if u.Watchers != nil {
		e.Watchers = append([]string(nil), u.Watchers...)
	}
	if u.SLAPolicyID != nil {
		e.SLAPolicyID = *u.SLAPolicyID
	}
	if u.SLADueAt != nil {
		t := *u.SLADueAt
		e.SLADueAt = &t
	}
	if u.SLAAtRisk != nil {
		e.SLAAtRisk = *u.SLAAtRisk
	}
	if u.SourceResolved != nil {
		e.SourceResolved = *u.SourceResolved
	}
	if u.ClusterID != nil {
		e.ClusterID = *u.ClusterID
	}
	if u.Remediation != nil {
		e.Remediation = append([]RemediationStep(nil), u.Remediation...)
	}
	if u.ClosedAt != nil {
		t := *u.ClosedAt
		e.ClosedAt = &t
	}
	e.Timeline = append(e.Timeline, u.AppendTimeline...)
	if !u.UpdatedAt.IsZero() {
		e.UpdatedAt = u.UpdatedAt
	}
}

// Helpers engines use to build deltas without local temporaries.

func StatusPtr(s Status) *Status       { return &s }
func SeverityPtr(s Severity) *Severity { return &s }
func StrPtr(s string) *string          { return &s }
func BoolPtr(b bool) *bool             { return &b }
func TimePtr(t time.Time) *time.Time   { return &t }
