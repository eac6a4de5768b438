// Package exception defines the canonical exception record managed by Warden.
// It holds the record model (timeline, remediation steps, watchers), the
// Update delta type every engine returns instead of mutating shared state,
// ingestion of raw anomalies from upstream modules, and deep-link building.
package exception
