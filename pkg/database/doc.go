/*
Package database is the facade tying Burrow's engine together: bootstrap,
transactions, the commit path, subscriptions, system table operations,
retry drivers, and streaming export.

	┌─────────────────────── DATABASE ─────────────────────────┐
	│                                                            │
	│  Load: lease → genesis/bootstrap → snapshot → workers      │
	│                                                            │
	│  Begin ──► transaction over the published snapshot         │
	│  Commit ─► single-writer committer (OCC, lease, publish)   │
	│  Subscribe / RefreshToken ─► write log                     │
	│                                                            │
	│  DocumentDeltas: ts-ordered change feed, atomic per ts     │
	│  ListSnapshot:   key-ordered snapshot pages across tablets │
	│                                                            │
	│  CreateTable / CreateHiddenTablet / ActivateTablets        │
	│  ExecuteWithOCCRetries / ExecuteWithOverloadedRetries      │
	└────────────────────────────────────────────────────────────┘

Shutdown tears the instance down in reverse bootstrap order: retention
workers, then the committer, then persistence.
*/
package database
