// Package advisor is the read-only boundary an external assistant plugs
// into: deterministic summaries, similar-record search, cluster
// suggestions, and daily digests. Nothing here mutates a record; any
// "apply" action a UI offers on top of these results is routed back through
// the triage or rules operations.
package advisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/warden/internal/cluster"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/sla"
)

// Confidence bands for the completeness heuristic. This is a pure, seedless
// function of how much context the record carries, not a model output.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Disclaimer is attached to every generated summary.
const Disclaimer = "Advisory output. Verify against the source record before acting."

// Summary is the deterministic briefing for one record.
type Summary struct {
	Summary       string     `json:"summary"`
	ProposedSteps []string   `json:"proposed_steps"`
	Confidence    Confidence `json:"confidence"`
	Assumptions   []string   `json:"assumptions,omitempty"`
	Sources       []string   `json:"sources,omitempty"`
	Disclaimer    string     `json:"disclaimer"`
}

// stepTemplates are the per-type proposed remediation steps. The type enum
// is closed; a new TypeKey needs an entry here.
var stepTemplates = map[exception.TypeKey][]string{
	exception.TypeSync:       {"Check the integration's connection status", "Re-run the failed sync", "Verify credentials have not expired"},
	exception.TypeRecon:      {"Compare ledger and source balances line by line", "Identify the first diverging entry", "Post an adjusting entry or correct the source"},
	exception.TypeMissingDoc: {"Request the document from its owner", "Check the document inbox for misfiled uploads"},
	exception.TypeStalePrice: {"Confirm the price feed is publishing", "Refresh the instrument's price manually"},
	exception.TypeApproval:   {"Remind the pending approver", "Reassign the approval if the approver is unavailable"},
	exception.TypeVendorSLA:  {"Contact the vendor account manager", "Record the breach against the vendor scorecard"},
	exception.TypeSecurity:   {"Isolate the affected account or system", "Start the incident response checklist"},
}

// Summarize builds the deterministic summary for e. Confidence reflects how
// much supporting context the record carries: description, lineage, and a
// source id each raise the score.
func Summarize(e *exception.Exception, now time.Time) *Summary {
	s := &Summary{
		Summary: fmt.Sprintf("%s exception %q from module %s, severity %s, status %s.",
			e.TypeKey, e.Title, e.SourceModuleKey, e.Severity, e.Status),
		ProposedSteps: append([]string(nil), stepTemplates[e.TypeKey]...),
		Disclaimer:    Disclaimer,
	}

	score := 0
	if e.Description != "" {
		score++
		s.Sources = append(s.Sources, "description")
	} else {
		s.Assumptions = append(s.Assumptions, "no description was provided; summary is built from the title alone")
	}
	if e.Lineage != "" {
		score++
		s.Sources = append(s.Sources, "lineage")
	}
	if e.SourceID != "" {
		score++
		s.Sources = append(s.Sources, "source record "+e.SourceID)
	} else {
		s.Assumptions = append(s.Assumptions, "no source record id; the upstream cause cannot be pinpointed")
	}

	switch {
	case score >= 2:
		s.Confidence = ConfidenceHigh
	case score == 1:
		s.Confidence = ConfidenceMedium
	default:
		s.Confidence = ConfidenceLow
	}

	if slaState := sla.Status(e, now); slaState == sla.StatusOverdue || slaState == sla.StatusAtRisk {
		s.Summary += fmt.Sprintf(" SLA is %s.", slaState)
	}
	return s
}

// similarity weights; token overlap and type match dominate.
const (
	weightType     = 0.3
	weightModule   = 0.25
	weightSeverity = 0.15
	weightTokens   = 0.3

	// SimilarityThreshold is the minimum score for a match to be reported.
	SimilarityThreshold = 0.3
)

// Match is one ranked similar record.
type Match struct {
	Exception *exception.Exception `json:"exception"`
	Score     float64              `json:"score"`
}

// FindSimilar ranks the population against the target by a weighted average
// of exact type, module, and severity matches plus Jaccard token overlap on
// the title, dropping scores under the threshold and capping at limit.
func FindSimilar(target *exception.Exception, population []*exception.Exception, limit int) []Match {
	if limit <= 0 {
		limit = 5
	}
	targetTokens := cluster.NormalizeTitleTokens(target.Title)

	var matches []Match
	for _, e := range population {
		if e.ID == target.ID {
			continue
		}
		score := 0.0
		if e.TypeKey == target.TypeKey {
			score += weightType
		}
		if e.SourceModuleKey == target.SourceModuleKey {
			score += weightModule
		}
		if e.Severity == target.Severity {
			score += weightSeverity
		}
		score += weightTokens * jaccard(targetTokens, cluster.NormalizeTitleTokens(e.Title))

		if score >= SimilarityThreshold {
			matches = append(matches, Match{Exception: e, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	intersection := 0
	union := len(set)
	for _, t := range b {
		if set[t] {
			intersection++
			set[t] = false // count each shared token once
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

// SuggestCluster returns the first existing cluster the record could merge
// into, or nil. Suggestion only; membership changes go through the
// clustering engine.
func SuggestCluster(e *exception.Exception, clusters []*cluster.Cluster) *cluster.Cluster {
	for _, c := range clusters {
		if c.Status != cluster.StatusActive {
			continue
		}
		if cluster.ShouldMerge(e, c) {
			return c
		}
	}
	return nil
}

// queueSizeThreshold triggers the backlog recommendation in a digest.
const queueSizeThreshold = 50

// TypeCount is one entry in a digest's top issue types.
type TypeCount struct {
	TypeKey exception.TypeKey `json:"type_key"`
	Count   int               `json:"count"`
}

// Digest is the daily rollup for a tenant's open population.
type Digest struct {
	GeneratedAt    time.Time   `json:"generated_at"`
	OpenCount      int         `json:"open_count"`
	CriticalCount  int         `json:"critical_count"`
	AtRiskCount    int         `json:"at_risk_count"`
	OverdueCount   int         `json:"overdue_count"`
	TopTypes       []TypeCount `json:"top_types"`
	Recommendation string      `json:"recommendation"`
}

// GenerateDigest rolls up the population. The single recommendation is
// chosen by priority: critical work first, then SLA risk, then queue size,
// else all clear.
func GenerateDigest(population []*exception.Exception, now time.Time) *Digest {
	d := &Digest{GeneratedAt: now}

	typeCounts := make(map[exception.TypeKey]int)
	for _, e := range population {
		if e.IsClosed() {
			continue
		}
		d.OpenCount++
		typeCounts[e.TypeKey]++
		if e.Severity == exception.SeverityCritical {
			d.CriticalCount++
		}
		switch sla.Status(e, now) {
		case sla.StatusAtRisk:
			d.AtRiskCount++
		case sla.StatusOverdue:
			d.OverdueCount++
		}
	}

	keys := make([]exception.TypeKey, 0, len(typeCounts))
	for k := range typeCounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if typeCounts[keys[i]] != typeCounts[keys[j]] {
			return typeCounts[keys[i]] > typeCounts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for i, k := range keys {
		if i == 3 {
			break
		}
		d.TopTypes = append(d.TopTypes, TypeCount{TypeKey: k, Count: typeCounts[k]})
	}

	switch {
	case d.CriticalCount > 0:
		d.Recommendation = fmt.Sprintf("Address the %d critical exception(s) first.", d.CriticalCount)
	case d.AtRiskCount > 0:
		d.Recommendation = fmt.Sprintf("%d exception(s) are close to breaching their SLA; triage those next.", d.AtRiskCount)
	case d.OpenCount > queueSizeThreshold:
		d.Recommendation = fmt.Sprintf("The queue holds %d open exceptions; schedule a cleanup pass.", d.OpenCount)
	default:
		d.Recommendation = "Exception queue is under control."
	}
	return d
}
