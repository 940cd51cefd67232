package runner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

const (
	// TableSessionRequests records completed mutations per (session,
	// request) pair for idempotent retries.
	TableSessionRequests = "_session_requests"
	indexSessionRequests = "by_key"

	initialOCCBackoff = 10 * time.Millisecond
	maxOCCBackoff     = 2 * time.Second
	// MaxOCCFailures bounds mutation retries before the conflict reaches
	// the caller.
	MaxOCCFailures = 3
)

// EnsureBookkeepingTables creates the runner's system tables.
func (r *Router) EnsureBookkeepingTables(ctx context.Context) error {
	_, err := r.db.CreateSystemTable(ctx, registry.DefaultNamespace, TableSessionRequests, map[string][]string{
		indexSessionRequests: {"sessionId", "requestId"},
	})
	return err
}

// MutationRequest identifies one mutation call. SessionID plus RequestID
// form the idempotency key; either empty disables idempotency.
type MutationRequest struct {
	Name      string
	Args      types.Object
	Identity  types.Identity
	SessionID string
	RequestID string
}

func (m MutationRequest) idempotent() bool {
	return m.SessionID != "" && m.RequestID != ""
}

// MutationResult is the outcome of one committed mutation.
type MutationResult struct {
	Value    any
	LogLines []string
	Ts       types.Timestamp
}

// RetryMutation executes a mutation with idempotency and bounded OCC
// retries. A repeated call with the same session and request ids returns
// the recorded result without running the mutation body again. Once an
// attempt reaches the committer it completes even if the caller goes away,
// so the session-request record persists.
func (r *Router) RetryMutation(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if req.idempotent() {
		if cached, ok, err := r.lookupSessionRequest(ctx, req); err != nil {
			return nil, err
		} else if ok {
			return cached, nil
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialOCCBackoff
	bo.MaxInterval = maxOCCBackoff
	bo.MaxElapsedTime = 0

	occFailures := 0
	for {
		result, err := r.runMutationOnce(ctx, req)
		switch {
		case err == nil:
			return result, nil
		case types.IsUserError(err):
			r.logger.Debug().Str("mutation", req.Name).Err(err).Msg("Mutation failed with user error")
			return nil, err
		case types.IsOCC(err) && occFailures < MaxOCCFailures:
			occFailures++
			metrics.MutationRetriesTotal.WithLabelValues("occ").Inc()
			r.logger.Debug().
				Str("mutation", req.Name).
				Int("attempt", occFailures).
				Msg("Mutation hit a write conflict, retrying")
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, err
		}
	}
}

// runMutationOnce is one attempt: execute the body, write the
// session-request record, and commit. Each attempt gets a fresh execution
// context id so logs stay distinguishable.
func (r *Router) runMutationOnce(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	release, err := r.limiters[types.UdfMutation].acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FunctionDuration, string(types.UdfMutation))

	tx := r.db.Begin(req.Identity)
	sink := &LogSink{}
	value, err := r.executor.Run(ctx, &ExecuteRequest{
		UdfType:   types.UdfMutation,
		Name:      req.Name,
		Args:      req.Args,
		Identity:  req.Identity,
		ContextID: uuid.NewString(),
		Env:       r.env,
		Tx:        tx,
		LogLines:  sink,
	})
	if err != nil {
		return nil, err
	}

	if req.idempotent() {
		record := types.Object{
			"sessionId": req.SessionID,
			"requestId": req.RequestID,
			"mutation":  req.Name,
			"identity":  req.Identity.Subject,
			"value":     value,
			"logLines":  stringsToAny(sink.Lines()),
		}
		if _, err := tx.SystemInsert(ctx, registry.DefaultNamespace, TableSessionRequests, record); err != nil {
			return nil, err
		}
	}

	ts, err := r.db.Commit(ctx, tx, types.WriteSource(req.Name))
	if err != nil {
		return nil, err
	}
	return &MutationResult{Value: value, LogLines: sink.Lines(), Ts: ts}, nil
}

// lookupSessionRequest finds a prior successful attempt. The record's
// commit timestamp is the mutation's timestamp, so repeated calls return
// identical results.
func (r *Router) lookupSessionRequest(ctx context.Context, req MutationRequest) (*MutationResult, bool, error) {
	tx := r.db.Begin(types.SystemIdentity)
	interval, err := types.IntervalForValuePrefix([]any{req.SessionID, req.RequestID})
	if err != nil {
		return nil, false, err
	}
	entries, err := tx.IndexRange(ctx, registry.DefaultNamespace, TableSessionRequests, indexSessionRequests, interval, persistence.Ascending, 1)
	if err != nil {
		if types.IsUserError(err) {
			// Bookkeeping table not created yet: nothing recorded.
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	doc := entries[0].Doc
	var lines []string
	if raw, ok := doc.Value["logLines"].([]any); ok {
		for _, l := range raw {
			if s, ok := l.(string); ok {
				lines = append(lines, s)
			}
		}
	}
	return &MutationResult{Value: doc.Value["value"], LogLines: lines, Ts: doc.Ts}, true, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
