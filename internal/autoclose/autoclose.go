// Package autoclose closes exception records whose upstream cause has been
// marked fixed by the producing module. It runs last in a sweep: every
// function is side-effect-free and returns deltas for the caller to apply.
package autoclose

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/exception"
)

// Reasons reported by Check for records that are not auto-closable.
const (
	ReasonAlreadyClosed     = "already closed"
	ReasonSourceNotResolved = "source not resolved"
	ReasonClosed            = "closed"
)

// CheckResult is the outcome of an auto-close eligibility check.
type CheckResult struct {
	ExceptionID     string            `json:"exception_id"`
	WasAutoClosable bool              `json:"was_auto_closable"`
	Reason          string            `json:"reason"`
	Update          *exception.Update `json:"update,omitempty"`
}

// Check decides whether e can be closed automatically. When eligible, the
// returned delta closes the record with a timeline entry annotated as an
// automatic closure, distinguishable from manual closes.
func Check(e *exception.Exception, performedBy string, now time.Time) CheckResult {
	res := CheckResult{ExceptionID: e.ID}

	if e.IsClosed() {
		res.Reason = ReasonAlreadyClosed
		return res
	}
	if !e.SourceResolved {
		res.Reason = ReasonSourceNotResolved
		return res
	}

	if performedBy == "" {
		performedBy = "system"
	}

	res.WasAutoClosable = true
	res.Reason = ReasonClosed
	res.Update = &exception.Update{
		Status:   exception.StatusPtr(exception.StatusClosed),
		ClosedAt: exception.TimePtr(now),
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventClosed,
			By:    performedBy,
			Notes: "auto-closed: source marked resolved",
		}},
		UpdatedAt: now,
	}
	return res
}

// MarkSourceResolved is the only writer of the sourceResolved flag. The
// status itself is untouched, so the audit entry is a comment rather than a
// status change.
func MarkSourceResolved(e *exception.Exception, resolved bool, performedBy string, now time.Time) *exception.Update {
	notes := "source marked resolved"
	if !resolved {
		notes = "source marked unresolved"
	}
	return &exception.Update{
		SourceResolved: exception.BoolPtr(resolved),
		AppendTimeline: []exception.TimelineEntry{{
			At:    now,
			Type:  exception.EventComment,
			By:    performedBy,
			Notes: notes,
		}},
		UpdatedAt: now,
	}
}

// RunBatch checks every record independently; one record's state never
// blocks evaluation of the rest.
func RunBatch(exceptions []*exception.Exception, performedBy string, now time.Time) []CheckResult {
	results := make([]CheckResult, 0, len(exceptions))
	for _, e := range exceptions {
		results = append(results, Check(e, performedBy, now))
	}
	return results
}

// Stats aggregates a batch run by outcome for operational visibility into
// the sweep's effectiveness.
type Stats struct {
	Total    int            `json:"total"`
	Closed   int            `json:"closed"`
	Skipped  int            `json:"skipped"`
	ByReason map[string]int `json:"by_reason"`
}

// GetStats tallies batch results by reason.
func GetStats(results []CheckResult) Stats {
	s := Stats{ByReason: make(map[string]int)}
	for _, r := range results {
		s.Total++
		if r.WasAutoClosable {
			s.Closed++
		} else {
			s.Skipped++
		}
		s.ByReason[r.Reason]++
	}
	return s
}

// String renders the stats for log lines.
func (s Stats) String() string {
	return fmt.Sprintf("total=%d closed=%d skipped=%d", s.Total, s.Closed, s.Skipped)
}
