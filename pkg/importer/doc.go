/*
Package importer implements snapshot import: streaming parsers for CSV,
JSONL, JSON-array and ZIP payloads, staging into hidden tablets, and
atomic activation.

	parse ──► prepare tables (append / require_empty / replace)
	      ──► stage object batches (bounded commits)
	      ──► confirmation (destructive replaces only)
	      ──► activate: one commit flips every hidden tablet

Replace mode creates a hidden tablet carrying the existing table's index
definitions and its number, unless a ZIP's _tables listing suggests
another number; no reader sees the new data until activation, and
activation is a single commit so no reader ever sees a mix of old and new
rows. Activation re-validates that the affected tables did not change while
the import staged, and rejects number changes that would break document-id
references from non-imported, non-empty tables.

Import state and per-table checkpoints persist in the _snapshot_imports
system table; progress updates are best-effort and never block ingest.
*/
package importer
