package autoclose

import (
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/exception"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openException(id string) *exception.Exception {
	return &exception.Exception{
		ID:              id,
		ClientID:        "client-1",
		Title:           "Integration sync failed for Plaid",
		TypeKey:         exception.TypeSync,
		Severity:        exception.SeverityWarning,
		Status:          exception.StatusOpen,
		SourceModuleKey: "integrations",
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
}

func TestCheck_SourceNotResolved(t *testing.T) {
	t.Parallel()

	res := Check(openException("ex-1"), "system", t0)
	if res.WasAutoClosable {
		t.Error("unresolved source must not be auto-closable")
	}
	if res.Reason != ReasonSourceNotResolved {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonSourceNotResolved)
	}
	if res.Update != nil {
		t.Error("ineligible check must not carry a delta")
	}
}

func TestCheck_AlreadyClosed(t *testing.T) {
	t.Parallel()

	e := openException("ex-1")
	e.Status = exception.StatusClosed
	e.SourceResolved = true

	res := Check(e, "system", t0)
	if res.WasAutoClosable {
		t.Error("closed record must not be auto-closable")
	}
	if res.Reason != ReasonAlreadyClosed {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonAlreadyClosed)
	}
}

func TestCheck_ClosesResolvedRecord(t *testing.T) {
	t.Parallel()

	e := openException("ex-1")
	e.SourceResolved = true

	res := Check(e, "", t0)
	if !res.WasAutoClosable {
		t.Fatalf("expected auto-closable, reason=%q", res.Reason)
	}

	u := res.Update
	if u.Status == nil || *u.Status != exception.StatusClosed {
		t.Error("delta must close the record")
	}
	if u.ClosedAt == nil || !u.ClosedAt.Equal(t0) {
		t.Error("delta must set closedAt")
	}
	if len(u.AppendTimeline) != 1 || u.AppendTimeline[0].Type != exception.EventClosed {
		t.Fatalf("timeline = %+v, want one closed entry", u.AppendTimeline)
	}
	if u.AppendTimeline[0].By != "system" {
		t.Errorf("By = %q, want system default", u.AppendTimeline[0].By)
	}
}

func TestMarkSourceResolvedThenCheck(t *testing.T) {
	t.Parallel()

	e := openException("ex-1")
	before := len(e.Timeline)

	u := MarkSourceResolved(e, true, "analyst1", t0)
	if u.SourceResolved == nil || !*u.SourceResolved {
		t.Fatal("delta must set sourceResolved")
	}
	if u.Status != nil {
		t.Error("marking the source resolved must not touch status")
	}
	if u.AppendTimeline[0].Type != exception.EventComment {
		t.Errorf("entry type = %q, want comment", u.AppendTimeline[0].Type)
	}
	u.ApplyTo(e)
	if len(e.Timeline) != before+1 {
		t.Errorf("timeline length = %d, want %d", len(e.Timeline), before+1)
	}

	res := Check(e, "system", t0.Add(time.Minute))
	if !res.WasAutoClosable {
		t.Fatalf("expected auto-closable after resolution, reason=%q", res.Reason)
	}
	res.Update.ApplyTo(e)
	if !e.IsClosed() || e.ClosedAt == nil {
		t.Error("record not closed after applying delta")
	}
}

func TestMarkSourceResolved_Unresolve(t *testing.T) {
	t.Parallel()

	e := openException("ex-1")
	e.SourceResolved = true

	u := MarkSourceResolved(e, false, "analyst1", t0)
	if u.SourceResolved == nil || *u.SourceResolved {
		t.Error("delta must clear sourceResolved")
	}
}

func TestRunBatchAndStats(t *testing.T) {
	t.Parallel()

	resolved := openException("ex-resolved")
	resolved.SourceResolved = true

	closed := openException("ex-closed")
	closed.Status = exception.StatusClosed

	pending := openException("ex-pending")

	results := RunBatch([]*exception.Exception{resolved, closed, pending}, "system", t0)
	if len(results) != 3 {
		t.Fatalf("results = %d, want one per record", len(results))
	}

	s := GetStats(results)
	if s.Total != 3 || s.Closed != 1 || s.Skipped != 2 {
		t.Errorf("stats = %+v", s)
	}
	if s.ByReason[ReasonAlreadyClosed] != 1 || s.ByReason[ReasonSourceNotResolved] != 1 || s.ByReason[ReasonClosed] != 1 {
		t.Errorf("by reason = %v", s.ByReason)
	}
}
