package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/database"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/writelog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config tunes the function router.
type Config struct {
	QueryPermits      int64
	MutationPermits   int64
	ActionPermits     int64
	HTTPActionPermits int64
	// AcquireTimeout converts semaphore backpressure into explicit
	// rate-limit errors.
	AcquireTimeout time.Duration
}

// DefaultConfig mirrors the production permit budgets.
func DefaultConfig() Config {
	return Config{
		QueryPermits:      64,
		MutationPermits:   32,
		ActionPermits:     64,
		HTTPActionPermits: 32,
		AcquireTimeout:    15 * time.Second,
	}
}

// LogSink collects the log lines a function emits.
type LogSink struct {
	mu    sync.Mutex
	lines []string
}

// Append adds one log line.
func (s *LogSink) Append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

// Lines returns the collected lines.
func (s *LogSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// ExecuteRequest carries one function invocation to the executor.
type ExecuteRequest struct {
	UdfType   types.UdfType
	Name      string
	Args      types.Object
	Identity  types.Identity
	ContextID string
	Env       map[string]string
	// Tx is the transaction the function reads and writes through; its
	// read and write sets accrue in place and are merged at commit.
	Tx *transaction.Transaction
	// LogLines receives the function's log output.
	LogLines *LogSink
}

// FunctionExecutor is the collaborator that runs user code. The isolate
// runtime lives outside this module; tests plug in-process fakes.
type FunctionExecutor interface {
	Run(ctx context.Context, req *ExecuteRequest) (any, error)
}

// limiter is the per-UDF-type admission gate.
type limiter struct {
	udfType     types.UdfType
	sem         *semaphore.Weighted
	permits     int64
	outstanding atomic.Int64
	held        atomic.Int64
	timeout     time.Duration
}

func newLimiter(udfType types.UdfType, permits int64, timeout time.Duration) *limiter {
	return &limiter{
		udfType: udfType,
		sem:     semaphore.NewWeighted(permits),
		permits: permits,
		timeout: timeout,
	}
}

func (l *limiter) updateGauges() {
	running := l.held.Load()
	waiting := l.outstanding.Load() - running
	metrics.FunctionsRunning.WithLabelValues(string(l.udfType)).Set(float64(running))
	metrics.FunctionsWaiting.WithLabelValues(string(l.udfType)).Set(float64(waiting))
}

// acquire takes one permit, converting a timeout into a rate-limit error
// that names the permit budget. The returned release runs on every exit
// path.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	l.outstanding.Add(1)
	l.updateGauges()

	acquireCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.sem.Acquire(acquireCtx, 1); err != nil {
		l.outstanding.Add(-1)
		l.updateGauges()
		metrics.FunctionsRejectedTotal.WithLabelValues(string(l.udfType)).Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewRateLimitedError("TooManyConcurrentRequests",
			"too many concurrent %ss (limit %d); try again shortly", l.udfType, l.permits)
	}
	l.held.Add(1)
	l.updateGauges()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			l.held.Add(-1)
			l.outstanding.Add(-1)
			l.updateGauges()
		})
	}, nil
}

// Router dispatches queries, mutations and actions to the executor behind
// per-type admission control.
type Router struct {
	db       *database.Database
	executor FunctionExecutor
	limiters map[types.UdfType]*limiter
	env      map[string]string
	logger   zerolog.Logger
}

// NewRouter builds a router over the database and executor.
func NewRouter(db *database.Database, executor FunctionExecutor, cfg Config) *Router {
	return &Router{
		db:       db,
		executor: executor,
		limiters: map[types.UdfType]*limiter{
			types.UdfQuery:      newLimiter(types.UdfQuery, cfg.QueryPermits, cfg.AcquireTimeout),
			types.UdfMutation:   newLimiter(types.UdfMutation, cfg.MutationPermits, cfg.AcquireTimeout),
			types.UdfAction:     newLimiter(types.UdfAction, cfg.ActionPermits, cfg.AcquireTimeout),
			types.UdfHTTPAction: newLimiter(types.UdfHTTPAction, cfg.HTTPActionPermits, cfg.AcquireTimeout),
		},
		logger: log.WithComponent("runner"),
	}
}

// QueryResult is the outcome of one query execution.
type QueryResult struct {
	Value    any
	LogLines []string
	Ts       types.Timestamp
	// Token subscribes the caller to invalidation of this query's reads.
	Token writelog.Token
}

// RunQuery executes a query at the latest snapshot. Queries must not
// write; cancellation is cooperative through ctx.
func (r *Router) RunQuery(ctx context.Context, name string, args types.Object, identity types.Identity) (*QueryResult, error) {
	release, err := r.limiters[types.UdfQuery].acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FunctionDuration, string(types.UdfQuery))

	tx := r.db.Begin(identity)
	sink := &LogSink{}
	value, err := r.executor.Run(ctx, &ExecuteRequest{
		UdfType:   types.UdfQuery,
		Name:      name,
		Args:      args,
		Identity:  identity,
		ContextID: uuid.NewString(),
		Env:       r.env,
		Tx:        tx,
		LogLines:  sink,
	})
	if err != nil {
		return nil, err
	}
	if !tx.ReadOnly() {
		return nil, types.NewUserError("QueryWrote", "query %q attempted to write", name)
	}
	return &QueryResult{
		Value:    value,
		LogLines: sink.Lines(),
		Ts:       tx.BeginTs(),
		Token:    r.db.TokenForTransaction(tx),
	}, nil
}

// ActionOptions controls action cancellation policy.
type ActionOptions struct {
	// RunUntilCompletionIfCancelled detaches the action onto a background
	// task whose result is dropped when the caller goes away.
	RunUntilCompletionIfCancelled bool
}

// ActionResult is the outcome of one action execution.
type ActionResult struct {
	Value    any
	LogLines []string
}

// RunAction executes an action. Actions observe a read-only snapshot and
// perform writes through the callback API's mutations.
func (r *Router) RunAction(ctx context.Context, name string, args types.Object, identity types.Identity, opts ActionOptions) (*ActionResult, error) {
	release, err := r.limiters[types.UdfAction].acquire(ctx)
	if err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()

	run := func(ctx context.Context) (*ActionResult, error) {
		defer release()
		defer timer.ObserveDurationVec(metrics.FunctionDuration, string(types.UdfAction))
		tx := r.db.Begin(identity)
		sink := &LogSink{}
		value, err := r.executor.Run(ctx, &ExecuteRequest{
			UdfType:   types.UdfAction,
			Name:      name,
			Args:      args,
			Identity:  identity,
			ContextID: uuid.NewString(),
			Env:       r.env,
			Tx:        tx,
			LogLines:  sink,
		})
		if err != nil {
			return nil, err
		}
		return &ActionResult{Value: value, LogLines: sink.Lines()}, nil
	}

	if !opts.RunUntilCompletionIfCancelled {
		return run(ctx)
	}

	// Detach: the action keeps running if the caller cancels, its result
	// dropped.
	resultCh := make(chan *ActionResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := run(context.WithoutCancel(ctx))
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()
	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
