/*
Package persistence provides the BoltDB-backed durable substrate for
Burrow's versioned document and index log.

The persistence package is the only layer that touches disk. It stores an
append-only log of document revisions and secondary index entries, the
persistence globals used for bootstrap and retention coordination, and the
single-writer lease. Everything above it (snapshots, transactions, the
committer, retention) reads and writes through the Persistence interface.

# Architecture

	┌──────────────────── BOLTDB PERSISTENCE ──────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltPersistence                  │          │
	│  │  - File: <dataDir>/burrow.db                │          │
	│  │  - Format: B+tree, copy-on-write            │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌──────────────────────────────────────┐  │          │
	│  │  │ documents     tablet|id|ts → revision │  │          │
	│  │  │ documents_log ts|tablet|id → revision │  │          │
	│  │  │ indexes       idx|prefix|sha|ts → row │  │          │
	│  │  │ persistence_globals   key → json      │  │          │
	│  │  │ leases        "writer" → (ts, holder) │  │          │
	│  │  └──────────────────────────────────────┘  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Lease Discipline                     │          │
	│  │  - AcquireLease: ts must exceed stored      │          │
	│  │  - Every mutating tx re-checks the row      │          │
	│  │  - Mismatch → LeaseLost, writer shuts down  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Key encodings

All composite keys are big-endian so bbolt's bytewise order realizes the
required tuple orders. Index rows order by (prefix, sha256, ts), not by
full key: IndexScan buffers rows whose prefix is maximal length until a
distinct prefix arrives and re-sorts them by full key before emission.

# Streams

LoadDocuments, LoadRevisionPairs and IndexScan are lazy, page-based
iterators. The cursor is the last emitted storage key with strict
inequality in the scan direction, so rows sharing a timestamp never
duplicate across pages. Every page boundary consults the retention
validator, document streams with the page's minimum timestamp and
IndexScan with its snapshot timestamp; the stream fails with an
out-of-retention error rather than observing trimmed history.
*/
package persistence
