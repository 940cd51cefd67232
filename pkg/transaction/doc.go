/*
Package transaction implements repeatable-read transactions over a
snapshot.

A transaction reads at its begin timestamp through index scans, recording
every scanned interval into its read set for OCC validation at commit.
Writes stage in memory, overlaying reads within the same transaction, and
render into document log entries plus index inserts and old-key tombstones
once the committer assigns the commit timestamp.
*/
package transaction
