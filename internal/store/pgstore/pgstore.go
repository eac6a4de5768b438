// Package pgstore provides a PostgreSQL implementation of store.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/cluster"
	"github.com/linnemanlabs/warden/internal/exception"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/sla"
	"github.com/linnemanlabs/warden/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store persists exception records and supporting entities in PostgreSQL.
// Concurrent deltas are serialized with a compare-and-set on updated_at: the
// loser gets store.ErrConflict and retries with fresh state.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool is expected to
// be pinged by the caller (postgres.NewPool does this).
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

const exceptionColumns = `id, client_id, title, description, type_key, severity, status,
	source_module_key, source_collection, source_id, link_url, lineage, source_as_of,
	source_resolved, assigned_to_user_id, assigned_to_role, watchers, sla_policy_id,
	sla_due_at, sla_at_risk, remediation, timeline, cluster_id, created_at, updated_at, closed_at`

// PutException upserts the full record.
func (s *Store) PutException(ctx context.Context, e *exception.Exception) error {
	ctx, span := startSpan(ctx, "pgstore.PutException", "UPSERT")
	defer span.End()

	watchers, remediation, timeline, err := marshalExceptionJSON(e)
	if err != nil {
		spanErr(span, err)
		return err
	}

	var sourceAsOf *time.Time
	if !e.SourceAsOf.IsZero() {
		sourceAsOf = &e.SourceAsOf
	}

	query := `INSERT INTO exceptions (` + exceptionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	ON CONFLICT (id) DO UPDATE SET
		title               = EXCLUDED.title,
		description         = EXCLUDED.description,
		type_key            = EXCLUDED.type_key,
		severity            = EXCLUDED.severity,
		status              = EXCLUDED.status,
		source_collection   = EXCLUDED.source_collection,
		source_id           = EXCLUDED.source_id,
		link_url            = EXCLUDED.link_url,
		lineage             = EXCLUDED.lineage,
		source_as_of        = EXCLUDED.source_as_of,
		source_resolved     = EXCLUDED.source_resolved,
		assigned_to_user_id = EXCLUDED.assigned_to_user_id,
		assigned_to_role    = EXCLUDED.assigned_to_role,
		watchers            = EXCLUDED.watchers,
		sla_policy_id       = EXCLUDED.sla_policy_id,
		sla_due_at          = EXCLUDED.sla_due_at,
		sla_at_risk         = EXCLUDED.sla_at_risk,
		remediation         = EXCLUDED.remediation,
		timeline            = EXCLUDED.timeline,
		cluster_id          = EXCLUDED.cluster_id,
		updated_at          = EXCLUDED.updated_at,
		closed_at           = EXCLUDED.closed_at`

	_, err = s.pool.Exec(ctx, query,
		e.ID, e.ClientID, e.Title, e.Description, string(e.TypeKey), string(e.Severity), string(e.Status),
		e.SourceModuleKey, e.SourceCollection, e.SourceID, e.LinkURL, e.Lineage, sourceAsOf,
		e.SourceResolved, e.AssignedToUserID, e.AssignedToRole, watchers, e.SLAPolicyID,
		e.SLADueAt, e.SLAAtRisk, remediation, timeline, e.ClusterID, e.CreatedAt, e.UpdatedAt, e.ClosedAt,
	)
	if err != nil {
		spanErr(span, err)
		return fmt.Errorf("upsert exception: %w", err)
	}
	return nil
}

// GetException retrieves a record by ID.
func (s *Store) GetException(ctx context.Context, id string) (*exception.Exception, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetException", "SELECT")
	defer span.End()

	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE id = $1`
	e, err := scanException(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		spanErr(span, err)
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e, true, nil
}

// ListExceptions returns records matching the filter, newest first.
func (s *Store) ListExceptions(ctx context.Context, f store.ExceptionFilter) ([]*exception.Exception, error) {
	ctx, span := startSpan(ctx, "pgstore.ListExceptions", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ClientID != "" {
		where = append(where, "client_id = "+arg(f.ClientID))
	}
	if len(f.Status) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(f.Status))+")")
	}
	if len(f.Severity) > 0 {
		where = append(where, "severity = ANY("+arg(severityStrings(f.Severity))+")")
	}
	if len(f.TypeKey) > 0 {
		where = append(where, "type_key = ANY("+arg(typeStrings(f.TypeKey))+")")
	}
	if f.SourceModuleKey != "" {
		where = append(where, "source_module_key = "+arg(f.SourceModuleKey))
	}
	if f.AssignedToUserID != "" {
		where = append(where, "assigned_to_user_id = "+arg(f.AssignedToUserID))
	}
	if f.AssignedToRole != "" {
		where = append(where, "assigned_to_role = "+arg(f.AssignedToRole))
	}
	if f.ClusterID != "" {
		where = append(where, "cluster_id = "+arg(f.ClusterID))
	}
	if f.SLAAtRisk != nil {
		where = append(where, "sla_at_risk = "+arg(*f.SLAAtRisk))
	}

	query := `SELECT ` + exceptionColumns + ` FROM exceptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		spanErr(span, err)
		return nil, fmt.Errorf("query exceptions: %w", err)
	}
	defer rows.Close()

	var out []*exception.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			spanErr(span, err)
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		spanErr(span, err)
		return nil, fmt.Errorf("iterate exceptions: %w", err)
	}
	return out, nil
}

// ApplyUpdate writes the delta back with a compare-and-set on the caller's
// snapshot updated_at. The internal re-read short-circuits an already-stale
// snapshot; the WHERE clause closes the window between that read and the
// write. Either way a concurrent writer yields store.ErrConflict.
func (s *Store) ApplyUpdate(ctx context.Context, id string, expectedUpdatedAt time.Time, u *exception.Update) (*exception.Exception, error) {
	ctx, span := startSpan(ctx, "pgstore.ApplyUpdate", "UPDATE")
	defer span.End()

	e, ok, err := s.GetException(ctx, id)
	if err != nil {
		spanErr(span, err)
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	if !e.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, store.ErrConflict
	}
	u.ApplyTo(e)

	watchers, remediation, timeline, err := marshalExceptionJSON(e)
	if err != nil {
		spanErr(span, err)
		return nil, err
	}

	query := `UPDATE exceptions SET
		severity = $3, status = $4, source_resolved = $5,
		assigned_to_user_id = $6, assigned_to_role = $7, watchers = $8,
		sla_policy_id = $9, sla_due_at = $10, sla_at_risk = $11,
		remediation = $12, timeline = $13, cluster_id = $14,
		updated_at = $15, closed_at = $16
	WHERE id = $1 AND updated_at = $2`

	tag, err := s.pool.Exec(ctx, query,
		e.ID, expectedUpdatedAt,
		string(e.Severity), string(e.Status), e.SourceResolved,
		e.AssignedToUserID, e.AssignedToRole, watchers,
		e.SLAPolicyID, e.SLADueAt, e.SLAAtRisk,
		remediation, timeline, e.ClusterID,
		e.UpdatedAt, e.ClosedAt,
	)
	if err != nil {
		spanErr(span, err)
		return nil, fmt.Errorf("apply update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrConflict
	}
	return e, nil
}

// PutPolicy upserts a policy document.
func (s *Store) PutPolicy(ctx context.Context, p *sla.Policy) error {
	ctx, span := startSpan(ctx, "pgstore.PutPolicy", "UPSERT")
	defer span.End()
	if err := s.putDoc(ctx, "sla_policies", p.ID, p.ClientID, p.Priority, p); err != nil {
		spanErr(span, err)
		return err
	}
	return nil
}

// GetPolicy retrieves a policy by ID.
func (s *Store) GetPolicy(ctx context.Context, id string) (*sla.Policy, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetPolicy", "SELECT")
	defer span.End()
	var p sla.Policy
	ok, err := s.getDoc(ctx, "sla_policies", id, &p)
	if err != nil {
		spanErr(span, err)
		return nil, false, err
	}
	return &p, ok, nil
}

// ListPolicies returns the tenant's policies ordered by priority.
func (s *Store) ListPolicies(ctx context.Context, clientID string) ([]*sla.Policy, error) {
	ctx, span := startSpan(ctx, "pgstore.ListPolicies", "SELECT")
	defer span.End()
	docs, err := s.listDocs(ctx, "sla_policies", clientID)
	if err != nil {
		spanErr(span, err)
		return nil, err
	}
	out := make([]*sla.Policy, 0, len(docs))
	for _, doc := range docs {
		var p sla.Policy
		if err := json.Unmarshal(doc, &p); err != nil {
			spanErr(span, err)
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// DeletePolicy removes a policy. Deleting a missing ID is not an error.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "pgstore.DeletePolicy", "DELETE")
	defer span.End()
	if _, err := s.pool.Exec(ctx, `DELETE FROM sla_policies WHERE id = $1`, id); err != nil {
		spanErr(span, err)
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

// PutRule upserts a rule document.
func (s *Store) PutRule(ctx context.Context, r *rules.Rule) error {
	ctx, span := startSpan(ctx, "pgstore.PutRule", "UPSERT")
	defer span.End()
	if err := s.putDoc(ctx, "triage_rules", r.ID, r.ClientID, r.EffectivePriority(), r); err != nil {
		spanErr(span, err)
		return err
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*rules.Rule, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRule", "SELECT")
	defer span.End()
	var r rules.Rule
	ok, err := s.getDoc(ctx, "triage_rules", id, &r)
	if err != nil {
		spanErr(span, err)
		return nil, false, err
	}
	return &r, ok, nil
}

// ListRules returns the tenant's rules ordered by priority.
func (s *Store) ListRules(ctx context.Context, clientID string) ([]*rules.Rule, error) {
	ctx, span := startSpan(ctx, "pgstore.ListRules", "SELECT")
	defer span.End()
	docs, err := s.listDocs(ctx, "triage_rules", clientID)
	if err != nil {
		spanErr(span, err)
		return nil, err
	}
	out := make([]*rules.Rule, 0, len(docs))
	for _, doc := range docs {
		var r rules.Rule
		if err := json.Unmarshal(doc, &r); err != nil {
			spanErr(span, err)
			return nil, fmt.Errorf("unmarshal rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// DeleteRule removes a rule. Deleting a missing ID is not an error.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "pgstore.DeleteRule", "DELETE")
	defer span.End()
	if _, err := s.pool.Exec(ctx, `DELETE FROM triage_rules WHERE id = $1`, id); err != nil {
		spanErr(span, err)
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// PutCluster upserts a cluster document.
func (s *Store) PutCluster(ctx context.Context, c *cluster.Cluster) error {
	ctx, span := startSpan(ctx, "pgstore.PutCluster", "UPSERT")
	defer span.End()
	if err := s.putDoc(ctx, "clusters", c.ID, c.ClientID, 0, c); err != nil {
		spanErr(span, err)
		return err
	}
	return nil
}

// GetCluster retrieves a cluster by ID.
func (s *Store) GetCluster(ctx context.Context, id string) (*cluster.Cluster, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCluster", "SELECT")
	defer span.End()
	var c cluster.Cluster
	ok, err := s.getDoc(ctx, "clusters", id, &c)
	if err != nil {
		spanErr(span, err)
		return nil, false, err
	}
	return &c, ok, nil
}

// ListClusters returns the tenant's clusters ordered by ID.
func (s *Store) ListClusters(ctx context.Context, clientID string) ([]*cluster.Cluster, error) {
	ctx, span := startSpan(ctx, "pgstore.ListClusters", "SELECT")
	defer span.End()
	docs, err := s.listDocs(ctx, "clusters", clientID)
	if err != nil {
		spanErr(span, err)
		return nil, err
	}
	out := make([]*cluster.Cluster, 0, len(docs))
	for _, doc := range docs {
		var c cluster.Cluster
		if err := json.Unmarshal(doc, &c); err != nil {
			spanErr(span, err)
			return nil, fmt.Errorf("unmarshal cluster: %w", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// putDoc upserts one jsonb document row. The table name is always one of the
// three fixed entity tables, never user input.
func (s *Store) putDoc(ctx context.Context, table, id, clientID string, priority int, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s doc: %w", table, err)
	}
	query := `INSERT INTO ` + table + ` (id, client_id, priority, doc, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (id) DO UPDATE SET
		client_id  = EXCLUDED.client_id,
		priority   = EXCLUDED.priority,
		doc        = EXCLUDED.doc,
		updated_at = now()`
	if table == "clusters" {
		query = `INSERT INTO clusters (id, client_id, doc, updated_at)
		VALUES ($1, $2, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			client_id  = EXCLUDED.client_id,
			doc        = EXCLUDED.doc,
			updated_at = now()`
	}
	if _, err := s.pool.Exec(ctx, query, id, clientID, priority, body); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *Store) getDoc(ctx context.Context, table, id string, out any) (bool, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM `+table+` WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get %s: %w", table, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("unmarshal %s doc: %w", table, err)
	}
	return true, nil
}

func (s *Store) listDocs(ctx context.Context, table, clientID string) ([][]byte, error) {
	query := `SELECT doc FROM ` + table
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = $1`
		args = append(args, clientID)
	}
	if table == "clusters" {
		query += ` ORDER BY id`
	} else {
		query += ` ORDER BY priority, id`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

func marshalExceptionJSON(e *exception.Exception) (watchers, remediation, timeline []byte, err error) {
	if watchers, err = json.Marshal(orEmpty(e.Watchers)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal watchers: %w", err)
	}
	if remediation, err = json.Marshal(orEmptySteps(e.Remediation)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal remediation: %w", err)
	}
	if timeline, err = json.Marshal(orEmptyTimeline(e.Timeline)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal timeline: %w", err)
	}
	return watchers, remediation, timeline, nil
}

func orEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func orEmptySteps(xs []exception.RemediationStep) []exception.RemediationStep {
	if xs == nil {
		return []exception.RemediationStep{}
	}
	return xs
}

func orEmptyTimeline(xs []exception.TimelineEntry) []exception.TimelineEntry {
	if xs == nil {
		return []exception.TimelineEntry{}
	}
	return xs
}

// scanException scans one row. Returns (nil, nil) when no row is found.
func scanException(row pgx.Row) (*exception.Exception, error) {
	var (
		e               exception.Exception
		typeKey         string
		severity        string
		status          string
		sourceAsOf      *time.Time
		watchersJSON    []byte
		remediationJSON []byte
		timelineJSON    []byte
	)

	err := row.Scan(
		&e.ID, &e.ClientID, &e.Title, &e.Description, &typeKey, &severity, &status,
		&e.SourceModuleKey, &e.SourceCollection, &e.SourceID, &e.LinkURL, &e.Lineage, &sourceAsOf,
		&e.SourceResolved, &e.AssignedToUserID, &e.AssignedToRole, &watchersJSON, &e.SLAPolicyID,
		&e.SLADueAt, &e.SLAAtRisk, &remediationJSON, &timelineJSON, &e.ClusterID,
		&e.CreatedAt, &e.UpdatedAt, &e.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan exception: %w", err)
	}

	e.TypeKey = exception.TypeKey(typeKey)
	e.Severity = exception.Severity(severity)
	e.Status = exception.Status(status)
	if sourceAsOf != nil {
		e.SourceAsOf = *sourceAsOf
	}

	if err := json.Unmarshal(watchersJSON, &e.Watchers); err != nil {
		return nil, fmt.Errorf("unmarshal watchers: %w", err)
	}
	if err := json.Unmarshal(remediationJSON, &e.Remediation); err != nil {
		return nil, fmt.Errorf("unmarshal remediation: %w", err)
	}
	if err := json.Unmarshal(timelineJSON, &e.Timeline); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	if len(e.Watchers) == 0 {
		e.Watchers = nil
	}
	if len(e.Remediation) == 0 {
		e.Remediation = nil
	}

	return &e, nil
}

func statusStrings(xs []exception.Status) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}

func severityStrings(xs []exception.Severity) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}

func typeStrings(xs []exception.TypeKey) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}
