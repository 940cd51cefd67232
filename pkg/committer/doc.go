/*
Package committer implements the single-writer commit loop.

All writes in an instance funnel through one committer goroutine, which
assigns strictly increasing commit timestamps, validates each transaction's
read set against the write log (optimistic concurrency control), runs
preconditions and registry mutations for metadata commits, writes the
payload under the lease precondition, and publishes the new snapshot before
notifying subscribers.

	worker ──┐
	worker ──┼── requests channel ──► committer ──► persistence
	worker ──┘                          │
	                                    ├──► snapshot manager (publish)
	                                    └──► write log (append, notify)

During idle periods the committer bumps max_repeatable_ts on a timer so
retention targets keep advancing without traffic. Lease loss at write time
is fatal: the committer signals shutdown rather than continue as a zombie
writer.
*/
package committer
