package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/cuemby/burrow/pkg/database"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	p, err := persistence.NewBoltPersistence(t.TempDir())
	require.NoError(t, err)
	db, err := database.Load(context.Background(), p, database.DefaultOptions("test"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Shutdown() })
	return db
}

func countRows(t *testing.T, db *database.Database, table string) int {
	t.Helper()
	tx := db.Begin(types.SystemIdentity)
	entries, err := tx.IndexRange(context.Background(), registry.DefaultNamespace, table, types.IndexByID, types.FullInterval(), persistence.Ascending, 0)
	require.NoError(t, err)
	return len(entries)
}

func TestImportJSONLAppend(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)
	ctx := context.Background()

	result, err := im.Run(ctx, Request{
		Format: FormatJSONL,
		Mode:   ModeAppend,
		Table:  "users",
		Data:   strings.NewReader("{\"name\":\"A\"}\n{\"name\":\"B\"}\n"),
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.State)
	require.Equal(t, int64(2), result.NumRows)
	require.Equal(t, 2, countRows(t, db, "users"))

	// Appending again adds to the same table.
	result, err = im.Run(ctx, Request{
		Format: FormatJSONL,
		Mode:   ModeAppend,
		Table:  "users",
		Data:   strings.NewReader("{\"name\":\"C\"}\n"),
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.State)
	require.Equal(t, 3, countRows(t, db, "users"))
}

func TestImportRequireEmpty(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)
	ctx := context.Background()

	_, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeRequireEmpty, Table: "users",
		Data: strings.NewReader("{\"name\":\"A\"}\n"),
	})
	require.NoError(t, err)

	_, err = im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeRequireEmpty, Table: "users",
		Data: strings.NewReader("{\"name\":\"B\"}\n"),
	})
	require.True(t, types.IsUserError(err), "non-empty table should fail require_empty, got %v", err)
}

func TestImportReplaceAtomicSwap(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)
	ctx := context.Background()

	// Seed the table with old content.
	_, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeAppend, Table: "users",
		Data: strings.NewReader("{\"name\":\"old1\"}\n{\"name\":\"old2\"}\n"),
	})
	require.NoError(t, err)
	before, _ := db.LatestSnapshot().Tables.LookupActive(registry.DefaultNamespace, "users")

	result, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeReplace, Table: "users",
		Data:        strings.NewReader("{\"name\":\"new\"}\n"),
		AutoConfirm: true,
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.State)

	after, ok := db.LatestSnapshot().Tables.LookupActive(registry.DefaultNamespace, "users")
	require.True(t, ok)
	require.NotEqual(t, before.TabletID, after.TabletID, "replace must swap tablets")
	require.Equal(t, before.Number, after.Number, "table number stays stable across replace")
	require.Equal(t, 1, countRows(t, db, "users"))

	// The old tablet is deleting, not active.
	old, ok := db.LatestSnapshot().Tables.ByTablet(before.TabletID)
	require.True(t, ok)
	require.Equal(t, registry.TableDeleting, old.State)
}

func TestImportReplaceWaitsForConfirmation(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)
	ctx := context.Background()

	_, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeAppend, Table: "users",
		Data: strings.NewReader("{\"name\":\"old\"}\n"),
	})
	require.NoError(t, err)
	before, _ := db.LatestSnapshot().Tables.LookupActive(registry.DefaultNamespace, "users")

	// Destructive replace without AutoConfirm stops at confirmation.
	staged, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeReplace, Table: "users",
		Data: strings.NewReader("{\"name\":\"new\"}\n"),
	})
	require.NoError(t, err)
	require.Equal(t, StateWaitingForConfirmation, staged.State)
	require.NotEmpty(t, staged.Message)

	// Nothing flipped yet.
	current, _ := db.LatestSnapshot().Tables.LookupActive(registry.DefaultNamespace, "users")
	require.Equal(t, before.TabletID, current.TabletID)
	require.Equal(t, 1, countRows(t, db, "users"))

	// Confirming activates atomically.
	confirmed, err := im.Confirm(ctx, staged.ImportID, Request{Mode: ModeReplace})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, confirmed.State)
	after, _ := db.LatestSnapshot().Tables.LookupActive(registry.DefaultNamespace, "users")
	require.NotEqual(t, before.TabletID, after.TabletID)
}

func TestImportReplaceEmptyTargetNoConfirmation(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)

	// Replacing a table with no rows deletes nothing: no confirmation.
	result, err := im.Run(context.Background(), Request{
		Format: FormatJSONL, Mode: ModeReplace, Table: "users",
		Data: strings.NewReader("{\"name\":\"A\"}\n"),
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.State)
}

func TestImportForeignKeyConstraint(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)
	ctx := context.Background()

	// users and posts exist; posts references users.
	_, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeAppend, Table: "users",
		Data: strings.NewReader("{\"name\":\"A\"}\n"),
	})
	require.NoError(t, err)
	_, err = db.CreateTable(ctx, registry.DefaultNamespace, "posts")
	require.NoError(t, err)

	usersEntry, _ := db.LatestSnapshot().Tables.LookupActive(registry.DefaultNamespace, "users")
	zipPayload := buildZip(t, map[string]string{
		"_tables/documents.jsonl": "{\"name\":\"users\",\"id\":20002}\n",
		"users/documents.jsonl":   "{\"name\":\"B\"}\n",
	})
	require.NotEqual(t, types.TableNumber(20002), usersEntry.Number)

	// posts is empty: the number change is allowed.
	result, err := im.Run(ctx, Request{
		Format: FormatZip, Mode: ModeReplace,
		Data:        zipPayload,
		AutoConfirm: true,
		References:  map[string][]string{"posts": {"users"}},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.State)

	// Now posts has a row; replacing users with another number change
	// must fail the foreign-key precondition.
	tx := db.Begin(types.SystemIdentity)
	_, err = tx.Insert(ctx, registry.DefaultNamespace, "posts", types.Object{"user": "ref"})
	require.NoError(t, err)
	_, err = db.Commit(ctx, tx, "seedPost")
	require.NoError(t, err)

	zipPayload = buildZip(t, map[string]string{
		"_tables/documents.jsonl": "{\"name\":\"users\",\"id\":20005}\n",
		"users/documents.jsonl":   "{\"name\":\"C\"}\n",
	})
	_, err = im.Run(ctx, Request{
		Format: FormatZip, Mode: ModeReplace,
		Data:        zipPayload,
		AutoConfirm: true,
		References:  map[string][]string{"posts": {"users"}},
	})
	require.Error(t, err)
	var coded *types.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, "ImportForeignKey", coded.Code)
}

func TestImportRecordsState(t *testing.T) {
	db := newTestDatabase(t)
	im := New(db)
	ctx := context.Background()

	result, err := im.Run(ctx, Request{
		Format: FormatJSONL, Mode: ModeAppend, Table: "users",
		Data: strings.NewReader("{\"name\":\"A\"}\n"),
	})
	require.NoError(t, err)

	doc, err := im.loadImportDoc(ctx, result.ImportID)
	require.NoError(t, err)
	require.Equal(t, string(StateCompleted), doc["state"])
	require.Equal(t, float64(1), doc["num_rows"])
}
