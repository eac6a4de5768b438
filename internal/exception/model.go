package exception

import "time"

// TypeKey classifies the upstream anomaly. The enum is closed: adding a type
// means updating the severity and remediation templates that key off it.
type TypeKey string

const (
	TypeSync       TypeKey = "sync"
	TypeRecon      TypeKey = "recon"
	TypeMissingDoc TypeKey = "missing_doc"
	TypeStalePrice TypeKey = "stale_price"
	TypeApproval   TypeKey = "approval"
	TypeVendorSLA  TypeKey = "vendor_sla"
	TypeSecurity   TypeKey = "security"
)

// KnownTypeKeys lists every valid TypeKey, in display order.
var KnownTypeKeys = []TypeKey{
	TypeSync, TypeRecon, TypeMissingDoc, TypeStalePrice,
	TypeApproval, TypeVendorSLA, TypeSecurity,
}

// ValidTypeKey reports whether k is a member of the closed enum.
func ValidTypeKey(k TypeKey) bool {
	for _, t := range KnownTypeKeys {
		if t == k {
			return true
		}
	}
	return false
}

// Severity orders as ok < warning < critical.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityOK:       0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// ValidSeverity reports whether s is one of the three known severities.
func ValidSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal of the severity (ok=0, warning=1, critical=2).
// Unknown severities rank below ok.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Status tracks where an exception is in its lifecycle.
type Status string

const (
	// StatusOpen means ingested, sitting in the raw inbox
	StatusOpen Status = "open"

	// StatusTriage means assigned and being assessed
	StatusTriage Status = "triage"

	// StatusInProgress means remediation underway
	StatusInProgress Status = "in_progress"

	// StatusClosed means resolved, manually or automatically
	StatusClosed Status = "closed"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusTriage, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// EventType identifies a timeline entry kind.
type EventType string

const (
	EventCreated            EventType = "created"
	EventAssigned           EventType = "assigned"
	EventSeverityChanged    EventType = "severity_changed"
	EventStatusChanged      EventType = "status_changed"
	EventClosed             EventType = "closed"
	EventReopened           EventType = "reopened"
	EventEscalated          EventType = "escalated"
	EventRemediationUpdated EventType = "remediation_updated"
	EventComment            EventType = "comment"
)

// TimelineEntry is one event in the append-only audit trail. Entries are
// never removed or reordered once written.
type TimelineEntry struct {
	At    time.Time `json:"at"`
	Type  EventType `json:"type"`
	By    string    `json:"by,omitempty"`
	Notes string    `json:"notes,omitempty"`
}

// StepStatus is the state of a single remediation step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
)

// RemediationStep is one entry in the ordered remediation checklist.
// The list is append-only; existing steps are updated in place by index.
type RemediationStep struct {
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	OwnerRole   string     `json:"owner_role,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Exception is the tracked anomaly record, the unit of work Warden manages.
type Exception struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	TypeKey     TypeKey  `json:"type_key"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`

	// Provenance back to the producing module. SourceResolved is written
	// only by the producer or an operator, never inferred.
	SourceModuleKey  string    `json:"source_module_key"`
	SourceCollection string    `json:"source_collection,omitempty"`
	SourceID         string    `json:"source_id,omitempty"`
	LinkURL          string    `json:"link_url,omitempty"`
	Lineage          string    `json:"lineage,omitempty"`
	SourceAsOf       time.Time `json:"source_as_of,omitempty"`
	SourceResolved   bool      `json:"source_resolved"`

	AssignedToUserID string   `json:"assigned_to_user_id,omitempty"`
	AssignedToRole   string   `json:"assigned_to_role,omitempty"`
	Watchers         []string `json:"watchers,omitempty"`

	// SLAAtRisk is derived; it must be recomputed on read or by a sweep,
	// never trusted across arbitrary time gaps.
	SLAPolicyID string     `json:"sla_policy_id,omitempty"`
	SLADueAt    *time.Time `json:"sla_due_at,omitempty"`
	SLAAtRisk   bool       `json:"sla_at_risk"`

	Remediation []RemediationStep `json:"remediation,omitempty"`
	Timeline    []TimelineEntry   `json:"timeline"`

	// ClusterID is set exclusively by the clustering engine.
	ClusterID string `json:"cluster_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// IsClosed reports whether the record is in the closed state.
func (e *Exception) IsClosed() bool { return e.Status == StatusClosed }

// Clone returns a deep copy so engines can hand out values without sharing
// the timeline or remediation backing arrays.
func (e *Exception) Clone() *Exception {
	cp := *e
	if e.Watchers != nil {
		cp.Watchers = append([]string(nil), e.Watchers...)
	}
	if e.Remediation != nil {
		cp.Remediation = append([]RemediationStep(nil), e.Remediation...)
	}
	if e.Timeline != nil {
		cp.Timeline = append([]TimelineEntry(nil), e.Timeline...)
	}
	if e.SLADueAt != nil {
		t := *e.SLADueAt
		cp.SLADueAt = &t
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
