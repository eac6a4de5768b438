// Package triage implements the operator-facing operations on exception
// records: assignment, severity and status transitions, watchers,
// remediation steps, escalation, and comments. Every operation is pure: it
// takes the current record value plus a clock and returns an
// exception.Update with the timeline entries the audit trail requires.
package triage

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/exception"
)

// Assignment carries the target of an Assign call. Both fields unset is a
// valid, caller-visible unassign.
type Assignment struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Assign sets the assignment fields and, when the record is still in the
// raw inbox, advances it to triage. It always appends an assigned entry,
// even when the assignee is unchanged; callers rely on the audit trail
// recording every explicit assignment action.
func Assign(e *exception.Exception, a Assignment, by string, now time.Time) *exception.Update {
	notes := describeAssignment(a)

	u := &exception.Update{
		AssignedToUserID: exception.StrPtr(a.UserID),
		AssignedToRole:   exception.StrPtr(a.Role),
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventAssigned,
			By:    by,
			Notes: notes,
		}},
		UpdatedAt: now,
	}

	// Assignment is what moves a record out of the inbox.
	if e.Status == exception.StatusOpen {
		u.Status = exception.StatusPtr(exception.StatusTriage)
	}
	return u
}

func describeAssignment(a Assignment) string {
	switch {
	case a.UserID != "" && a.Role != "":
		return fmt.Sprintf("assigned to %s (%s)", a.UserID, a.Role)
	case a.UserID != "":
		return fmt.Sprintf("assigned to %s", a.UserID)
	case a.Role != "":
		return fmt.Sprintf("assigned to role %s", a.Role)
	default:
		return "unassigned"
	}
}

// ChangeSeverity records a severity transition. SLA policy selection is not
// re-run here; callers re-apply the policy explicitly if severity-based
// matching should change.
func ChangeSeverity(e *exception.Exception, newSeverity exception.Severity, by, reason string, now time.Time) *exception.Update {
	notes := fmt.Sprintf("%s -> %s", e.Severity, newSeverity)
	if reason != "" {
		notes += ": " + reason
	}
	return &exception.Update{
		Severity: exception.SeverityPtr(newSeverity),
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventSeverityChanged,
			By:    by,
			Notes: notes,
		}},
		UpdatedAt: now,
	}
}

// ChangeStatus moves the record to newStatus. The timeline event type
// distinguishes a close, a reopen (any transition out of closed), and a
// plain status change. Closing sets closedAt; reopening preserves the last
// closedAt as history, with the reopened event as the authoritative marker.
func ChangeStatus(e *exception.Exception, newStatus exception.Status, by, notes string, now time.Time) *exception.Update {
	eventType := exception.EventStatusChanged
	switch {
	case newStatus == exception.StatusClosed:
		eventType = exception.EventClosed
	case e.Status == exception.StatusClosed:
		eventType = exception.EventReopened
	}

	entryNotes := fmt.Sprintf("%s -> %s", e.Status, newStatus)
	if notes != "" {
		entryNotes += ": " + notes
	}

	u := &exception.Update{
		Status: exception.StatusPtr(newStatus),
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  eventType,
			By:    by,
			Notes: entryNotes,
		}},
		UpdatedAt: now,
	}
	if newStatus == exception.StatusClosed {
		u.ClosedAt = exception.TimePtr(now)
	}
	return u
}

// AddWatcher adds userID to the watcher set. Adding an existing watcher is
// a no-op delta, not an error.
func AddWatcher(e *exception.Exception, userID string, now time.Time) *exception.Update {
	for _, w := range e.Watchers {
		if w == userID {
			return &exception.Update{}
		}
	}
	watchers := append(append([]string(nil), e.Watchers...), userID)
	return &exception.Update{
		Watchers:  watchers,
		UpdatedAt: now,
	}
}

// RemoveWatcher removes userID from the watcher set. Removing an absent
// watcher is a no-op delta.
func RemoveWatcher(e *exception.Exception, userID string, now time.Time) *exception.Update {
	idx := -1
	for i, w := range e.Watchers {
		if w == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &exception.Update{}
	}
	watchers := make([]string, 0, len(e.Watchers)-1)
	watchers = append(watchers, e.Watchers[:idx]...)
	watchers = append(watchers, e.Watchers[idx+1:]...)
	return &exception.Update{
		Watchers:  watchers,
		UpdatedAt: now,
	}
}

// Escalate forces severity to critical and reassigns to the escalation
// role in one step. Setting critical on an already-critical record is
// idempotent on the severity field; the escalated entry is still appended.
func Escalate(e *exception.Exception, role, by, reason string, now time.Time) *exception.Update {
	notes := fmt.Sprintf("escalated to role %s", role)
	if reason != "" {
		notes += ": " + reason
	}
	return &exception.Update{
		Severity:         exception.SeverityPtr(exception.SeverityCritical),
		AssignedToRole:   exception.StrPtr(role),
		AssignedToUserID: exception.StrPtr(""),
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventEscalated,
			By:    by,
			Notes: notes,
		}},
		UpdatedAt: now,
	}
}

// AddRemediationStep appends a step to the remediation list.
func AddRemediationStep(e *exception.Exception, step exception.RemediationStep, by string, now time.Time) *exception.Update {
	if step.Status == "" {
		step.Status = exception.StepPending
	}
	steps := append(append([]exception.RemediationStep(nil), e.Remediation...), step)
	return &exception.Update{
		Remediation: steps,
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventRemediationUpdated,
			By:    by,
			Notes: fmt.Sprintf("added step: %s", step.Title),
		}},
		UpdatedAt: now,
	}
}

// StepUpdate is a partial update for one remediation step.
type StepUpdate struct {
	Status *exception.StepStatus `json:"status,omitempty"`
	Notes  *string               `json:"notes,omitempty"`
	DueAt  *time.Time            `json:"due_at,omitempty"`
}

// UpdateRemediationStep updates the step at index in place. An
// out-of-range index returns an empty delta: step indices are unstable
// across concurrent edits and callers must tolerate the race.
func UpdateRemediationStep(e *exception.Exception, index int, su StepUpdate, by string, now time.Time) *exception.Update {
	if index < 0 || index >= len(e.Remediation) {
		return &exception.Update{}
	}

	steps := append([]exception.RemediationStep(nil), e.Remediation...)
	step := &steps[index]

	if su.Status != nil {
		step.Status = *su.Status
		if *su.Status == exception.StepCompleted {
			step.CompletedAt = exception.TimePtr(now)
		} else {
			step.CompletedAt = nil
		}
	}
	if su.Notes != nil {
		step.Notes = *su.Notes
	}
	if su.DueAt != nil {
		step.DueAt = su.DueAt
	}

	return &exception.Update{
		Remediation: steps,
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventRemediationUpdated,
			By:    by,
			Notes: fmt.Sprintf("updated step %d: %s", index, step.Title),
		}},
		UpdatedAt: now,
	}
}

// AddComment appends a free-text comment entry with no other field changes.
// Always legal regardless of status, including on closed records.
func AddComment(e *exception.Exception, text, by string, now time.Time) *exception.Update {
	return &exception.Update{
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventComment,
			By:    by,
			Notes: text,
		}},
		UpdatedAt: now,
	}
}
