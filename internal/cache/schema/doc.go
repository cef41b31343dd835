// Package schema defines the entities held in the local cache and the sync
// metadata attached to every cached row.
//
// JSON tags describe the wire form exchanged with the remote backend and the
// staging feed: local-only bookkeeping (the autoincrement id, the dirty flag
// and the last reconciliation time) is never serialized to JSON. YAML tags
// describe the full local view used by CLI output.
//
// Timestamps are persisted as fixed-width UTC strings (see TimeLayout) so
// that SQLite's lexical ordering of TEXT columns matches chronological
// ordering. Cursor comparisons and the staging feed rely on this.
package schema
