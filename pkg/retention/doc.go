/*
Package retention bounds the history window of the versioned log.

Two cursors advance independently: the index retention floor (short delay,
aggressive) and the document retention floor (long delay, conservative).
Readers below a floor fail with an out-of-retention error; rows below a
floor become eligible for physical deletion.

# Architecture

	┌────────────────── LEADER RETENTION ──────────────────────┐
	│                                                            │
	│  timestamp advancer (30s)                                  │
	│    candidate = max_repeatable − delay                      │
	│    1. write persistence global                             │
	│    2. publish in-memory floor                              │
	│    3. wake the deleter                                     │
	│                                                            │
	│  index deleter                                             │
	│    scan revision pairs in (checkpoint, floor)              │
	│    compute expired entries per index                       │
	│    hash-shard on key sha256 → parallel deletes             │
	│    checkpoint only if the index set did not change         │
	│                                                            │
	│  document deleter (rate-limited)                           │
	│    superseded revisions and stale tombstones below floor   │
	│    checkpoints only at fully processed ts boundaries       │
	└────────────────────────────────────────────────────────────┘

The persistence-first ordering of the advancer is mandatory: a follower
reading the globals must never see a floor implying data it can still
request is already deleted. Documents are never deleted before the index
entries covering the same timestamps.

Overload shedding: when the index checkpoint lags far behind wall clock, a
growing random fraction of user writes is rejected so the instance degrades
gradually instead of falling over.

FollowerManager provides read-only validation for processes that do not
hold the lease, backed by the persistence globals alone.
*/
package retention
