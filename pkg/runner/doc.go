/*
Package runner dispatches user functions (queries, mutations, actions)
through per-type admission control onto the function executor.

Each UDF type owns a weighted semaphore; acquisition timing out converts
backpressure into an explicit TooManyConcurrentRequests error carrying the
permit budget. Gauges track running and waiting function counts.

The mutation retry loop layers idempotency and bounded OCC retries over
single execution attempts: completed mutations record their result under
the (session, request) key in a system table, and a repeated call returns
the recorded value and timestamp without running the body again. User
errors never retry; OCC conflicts retry with jittered exponential backoff
up to a fixed attempt budget.

The executor itself is a collaborator interface: the JavaScript isolate
runtime lives outside this module, and tests plug in-process fakes.
*/
package runner
