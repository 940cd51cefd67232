package runner

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
)

// ActionCallbacks is the in-process API the executor calls back into while
// running an action. Storage, scheduling and search are collaborators
// implemented outside this module; queries, mutations and actions route
// back through the router.
type ActionCallbacks interface {
	ExecuteQuery(ctx context.Context, name string, args types.Object, identity types.Identity) (*QueryResult, error)
	ExecuteMutation(ctx context.Context, req MutationRequest) (*MutationResult, error)
	ExecuteAction(ctx context.Context, name string, args types.Object, identity types.Identity, opts ActionOptions) (*ActionResult, error)

	ScheduleJob(ctx context.Context, name string, args types.Object, runAt types.Timestamp) (types.DocumentID, error)
	CancelJob(ctx context.Context, id types.DocumentID) error

	VectorSearch(ctx context.Context, index string, query []float32, limit int) ([]VectorSearchResult, error)

	StorageGetURL(ctx context.Context, id string) (string, error)
	StorageStore(ctx context.Context, content []byte, contentType string) (string, error)
	StorageDelete(ctx context.Context, id string) error

	LookupFunctionHandle(ctx context.Context, handle string) (string, error)
	CreateFunctionHandle(ctx context.Context, path string) (string, error)
}

// VectorSearchResult is one scored hit from a vector index.
type VectorSearchResult struct {
	ID    types.DocumentID
	Score float32
}

// RouterCallbacks provides the execution subset of the callbacks over the
// router; hosts embed it and supply storage, scheduling and search from
// their collaborators.
type RouterCallbacks struct {
	Router *Router
}

func (c *RouterCallbacks) ExecuteQuery(ctx context.Context, name string, args types.Object, identity types.Identity) (*QueryResult, error) {
	return c.Router.RunQuery(ctx, name, args, identity)
}

// ExecuteMutation goes through the retry loop so callback mutations keep
// idempotency and OCC retry semantics.
func (c *RouterCallbacks) ExecuteMutation(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	return c.Router.RetryMutation(ctx, req)
}

func (c *RouterCallbacks) ExecuteAction(ctx context.Context, name string, args types.Object, identity types.Identity, opts ActionOptions) (*ActionResult, error) {
	return c.Router.RunAction(ctx, name, args, identity, opts)
}
