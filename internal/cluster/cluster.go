// Package cluster groups open exception records that share a type, source
// module, and title vocabulary into named clusters for bulk handling. The
// batch pass is deterministic, single-pass, and non-transitive: groups with
// partially overlapping tokens are never merged, trading recall for
// precision so false-positive merges stay rare.
package cluster

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/registry"
)

const (
	// minClusterSize is the membership threshold: singleton groups stay
	// unclustered.
	minClusterSize = 2

	// keyTokenCount is how many normalized title tokens feed the grouping
	// key. Looser than the stored pattern, which keeps up to maxTokens.
	keyTokenCount = 3

	// maxTokens caps the normalized token list kept on the pattern.
	maxTokens = 5

	// minTokenLen drops short noise tokens ("a", "of", "id").
	minTokenLen = 3
)

// Type describes how a cluster was formed.
type Type string

const (
	TypeTypeSource   Type = "type_source"
	TypeTitlePattern Type = "title_pattern"
	TypeTemporal     Type = "temporal"
)

// Status is derived: active iff the cluster still has open members.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Pattern is the matching signature shared by a cluster's members.
type Pattern struct {
	TypeKey         exception.TypeKey `json:"type_key,omitempty"`
	SourceModuleKey string            `json:"source_module_key,omitempty"`
	TitleTokens     []string          `json:"title_tokens,omitempty"`
}

// TopSource is the most common producer among a cluster's members.
type TopSource struct {
	ModuleKey string `json:"module_key"`
	Count     int    `json:"count"`
}

// Cluster is a named group of related exceptions.
type Cluster struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	Name        string     `json:"name"`
	ClusterType Type       `json:"cluster_type"`
	Status      Status     `json:"status"`
	MemberIDs   []string   `json:"member_ids"` // ordered, duplicates forbidden
	TopSource   *TopSource `json:"top_source,omitempty"`
	Pattern     Pattern    `json:"pattern"`
	OpenCount   int        `json:"open_count"`
	TotalCount  int        `json:"total_count"`

	LastExceptionAt *time.Time `json:"last_exception_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NormalizeTitleTokens lowercases the title, strips everything but letters,
// digits and whitespace, drops tokens shorter than three characters, and
// keeps at most the first five tokens.
func NormalizeTitleTokens(title string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\t', r == '\n':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) < minTokenLen {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) == maxTokens {
			break
		}
	}
	return tokens
}

// groupKey builds the exact-match key: type, source module, and the first
// three normalized tokens. Using fewer tokens than the stored pattern makes
// grouping looser than the full token list.
func groupKey(e *exception.Exception) string {
	tokens := NormalizeTitleTokens(e.Title)
	if len(tokens) > keyTokenCount {
		tokens = tokens[:keyTokenCount]
	}
	return string(e.TypeKey) + "|" + e.SourceModuleKey + "|" + strings.Join(tokens, " ")
}

// Result is the outcome of a batch clustering pass.
type Result struct {
	Clusters    []*Cluster
	Unclustered []*exception.Exception
}

// ClusterExceptions groups the population by exact key match in a single
// deterministic pass. Groups below the membership threshold fall through to
// Unclustered. No transitive merging across groups is attempted.
func ClusterExceptions(exceptions []*exception.Exception, reg *registry.Registry, loc registry.Locale, now time.Time) *Result {
	groups := make(map[string][]*exception.Exception)
	order := make([]string, 0)
	for _, e := range exceptions {
		key := groupKey(e)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}
	sort.Strings(order)

	res := &Result{}
	for _, key := range order {
		members := groups[key]
		if len(members) < minClusterSize {
			res.Unclustered = append(res.Unclustered, members...)
			continue
		}

		first := members[0]
		tokens := NormalizeTitleTokens(first.Title)
		c := &Cluster{
			ID:       ulid.Make().String(),
			ClientID: first.ClientID,
			ClusterType: func() Type {
				if len(tokens) > 0 {
					return TypeTitlePattern
				}
				return TypeTypeSource
			}(),
			Pattern: Pattern{
				TypeKey:         first.TypeKey,
				SourceModuleKey: first.SourceModuleKey,
				TitleTokens:     tokens,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, m := range members {
			c.MemberIDs = append(c.MemberIDs, m.ID)
		}
		RecalculateStats(c, members, now)
		c.Name = GenerateName(c, reg, loc)
		res.Clusters = append(res.Clusters, c)
	}
	return res
}

// GenerateName builds the display name: localized type label plus the first
// two pattern tokens and the member count, or type label plus source module
// when the pattern has no tokens. Deterministic for the same pattern and
// member count.
func GenerateName(c *Cluster, reg *registry.Registry, loc registry.Locale) string {
	typeLabel := reg.TypeLabel(c.Pattern.TypeKey, loc)
	if len(c.Pattern.TitleTokens) > 0 {
		n := len(c.Pattern.TitleTokens)
		if n > 2 {
			n = 2
		}
		return fmt.Sprintf("%s: %s (%d)", typeLabel, strings.Join(c.Pattern.TitleTokens[:n], " "), c.TotalCount)
	}
	return fmt.Sprintf("%s: %s (%d)", typeLabel, reg.ModuleLabel(c.Pattern.SourceModuleKey, loc), c.TotalCount)
}

// ShouldMerge decides whether a single new exception belongs in an existing
// cluster without re-running the batch: exact type and module match where
// the pattern specifies them, plus at least min(2, pattern token count)
// overlapping normalized title tokens.
func ShouldMerge(e *exception.Exception, c *Cluster) bool {
	if c.Pattern.TypeKey != "" && c.Pattern.TypeKey != e.TypeKey {
		return false
	}
	if c.Pattern.SourceModuleKey != "" && c.Pattern.SourceModuleKey != e.SourceModuleKey {
		return false
	}

	required := len(c.Pattern.TitleTokens)
	if required > 2 {
		required = 2
	}
	if required == 0 {
		return true
	}

	tokens := NormalizeTitleTokens(e.Title)
	overlap := 0
	for _, pt := range c.Pattern.TitleTokens {
		for _, t := range tokens {
			if pt == t {
				overlap++
				break
			}
		}
	}
	return overlap >= required
}

// AddMember appends the exception to the cluster and returns the record
// delta pointing back at it. Adding an existing member is a no-op.
func AddMember(c *Cluster, e *exception.Exception, now time.Time) *exception.Update {
	for _, id := range c.MemberIDs {
		if id == e.ID {
			return &exception.Update{}
		}
	}
	c.MemberIDs = append(c.MemberIDs, e.ID)
	c.TotalCount++
	if !e.IsClosed() {
		c.OpenCount++
		c.Status = StatusActive
	}
	if c.LastExceptionAt == nil || e.CreatedAt.After(*c.LastExceptionAt) {
		t := e.CreatedAt
		c.LastExceptionAt = &t
	}
	c.UpdatedAt = now

	return &exception.Update{
		ClusterID: exception.StrPtr(c.ID),
		UpdatedAt: now,
	}
}

// RecalculateStats rederives open/total counts, derived status, top source,
// and last-seen time purely from the current member set. Safe to call
// redundantly after any member's status changes.
func RecalculateStats(c *Cluster, members []*exception.Exception, now time.Time) {
	c.TotalCount = len(members)
	c.OpenCount = 0
	c.TopSource = nil
	c.LastExceptionAt = nil

	sources := make(map[string]int)
	for _, m := range members {
		if !m.IsClosed() {
			c.OpenCount++
		}
		sources[m.SourceModuleKey]++
		if c.LastExceptionAt == nil || m.CreatedAt.After(*c.LastExceptionAt) {
			t := m.CreatedAt
			c.LastExceptionAt = &t
		}
	}

	// deterministic top source: highest count, ties by key
	var topKey string
	var topCount int
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if sources[k] > topCount {
			topKey, topCount = k, sources[k]
		}
	}
	if topKey != "" {
		c.TopSource = &TopSource{ModuleKey: topKey, Count: topCount}
	}

	if c.OpenCount > 0 {
		c.Status = StatusActive
	} else {
		c.Status = StatusResolved
	}
	c.UpdatedAt = now
}
