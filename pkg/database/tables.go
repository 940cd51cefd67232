package database

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/committer"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
)

// tabletPlan stages the documents and registry changes of one new tablet.
type tabletPlan struct {
	entry   registry.TableEntry
	indexes []types.IndexMetadata
}

// stageTablet writes the _tables and _index documents for a new tablet into
// the transaction and returns the plan for the registry mutation.
func (d *Database) stageTablet(ctx context.Context, tx *transaction.Transaction, namespace, name string, number types.TableNumber, state registry.TableState, copyIndexesFrom *types.TabletID) (*tabletPlan, error) {
	tabletID := types.NewTabletID()

	entry := registry.TableEntry{
		Name:      name,
		Namespace: namespace,
		Number:    number,
		TabletID:  tabletID,
		State:     state,
	}
	docID, err := tx.Insert(ctx, registry.DefaultNamespace, registry.TableTables, registry.TableEntryToDocument(entry))
	if err != nil {
		return nil, err
	}
	entry.DocID = docID.Internal

	plan := &tabletPlan{entry: entry}

	// Every staged tablet carries by_id and by_creation_time, plus any
	// indexes copied from the tablet being
	// replaced. Copied indexes go straight to Enabled: the new tablet is
	// empty, so the backfill is trivially complete.
	metas := []types.IndexMetadata{
		{ID: types.NewIndexID(), TabletID: tabletID, Name: types.IndexByID, State: types.IndexState{Phase: types.IndexEnabled}},
		{ID: types.NewIndexID(), TabletID: tabletID, Name: types.IndexByCreationTime, Fields: []string{types.FieldCreationTime}, State: types.IndexState{Phase: types.IndexEnabled}},
	}
	if copyIndexesFrom != nil {
		for _, src := range tx.Snapshot().Indexes.ByTablet(*copyIndexesFrom) {
			if src.Name == types.IndexByID || src.Name == types.IndexByCreationTime {
				continue
			}
			metas = append(metas, types.IndexMetadata{
				ID:       types.NewIndexID(),
				TabletID: tabletID,
				Name:     src.Name,
				Fields:   append([]string(nil), src.Fields...),
				State:    types.IndexState{Phase: types.IndexEnabled},
			})
		}
	}
	for _, meta := range metas {
		if _, err := tx.Insert(ctx, registry.DefaultNamespace, registry.TableIndex, registry.IndexMetadataToDocument(meta)); err != nil {
			return nil, err
		}
	}
	plan.indexes = metas
	return plan, nil
}

func (p *tabletPlan) mutation() committer.RegistryMutation {
	return func(s *registry.Snapshot) (*registry.Snapshot, error) {
		next := s.WithTables(s.Tables.With(p.entry))
		indexes := next.Indexes
		for _, meta := range p.indexes {
			indexes = indexes.With(meta, types.InternalID{})
		}
		return next.WithIndexes(indexes), nil
	}
}

func composeMutations(muts ...committer.RegistryMutation) committer.RegistryMutation {
	return func(s *registry.Snapshot) (*registry.Snapshot, error) {
		var err error
		for _, m := range muts {
			if s, err = m(s); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

// CreateTable creates a new empty active table.
func (d *Database) CreateTable(ctx context.Context, namespace, name string) (registry.TableEntry, error) {
	if name == "" || name[0] == '_' {
		return registry.TableEntry{}, types.NewUserError("InvalidTableName", "invalid table name %q", name)
	}
	if _, exists := d.snapshots.Current().Tables.LookupActive(namespace, name); exists {
		return registry.TableEntry{}, types.NewUserError("TableExists", "table %q already exists", name)
	}
	tx := d.Begin(types.SystemIdentity)
	number := tx.Snapshot().Tables.NextNumber(namespace)
	plan, err := d.stageTablet(ctx, tx, namespace, name, number, registry.TableActive, nil)
	if err != nil {
		return registry.TableEntry{}, err
	}
	pre := []committer.Precondition{func(s *registry.Snapshot) error {
		if _, exists := s.Tables.LookupActive(namespace, name); exists {
			return types.NewUserError("TableExists", "table %q already exists", name)
		}
		return nil
	}}
	if _, err := d.CommitSystem(ctx, tx, "_create_table", pre, plan.mutation()); err != nil {
		return registry.TableEntry{}, err
	}
	return plan.entry, nil
}

// CreateSystemTable creates a system table with extra named indexes. Used
// for internal bookkeeping tables like session requests and import state.
func (d *Database) CreateSystemTable(ctx context.Context, namespace, name string, extraIndexes map[string][]string) (registry.TableEntry, error) {
	if existing, exists := d.snapshots.Current().Tables.LookupActive(namespace, name); exists {
		return existing, nil
	}
	tx := d.Begin(types.SystemIdentity)
	number := tx.Snapshot().Tables.NextNumber(namespace)
	plan, err := d.stageTablet(ctx, tx, namespace, name, number, registry.TableActive, nil)
	if err != nil {
		return registry.TableEntry{}, err
	}
	for idxName, fields := range extraIndexes {
		meta := types.IndexMetadata{
			ID:       types.NewIndexID(),
			TabletID: plan.entry.TabletID,
			Name:     idxName,
			Fields:   append([]string(nil), fields...),
			State:    types.IndexState{Phase: types.IndexEnabled},
		}
		if _, err := tx.Insert(ctx, registry.DefaultNamespace, registry.TableIndex, registry.IndexMetadataToDocument(meta)); err != nil {
			return registry.TableEntry{}, err
		}
		plan.indexes = append(plan.indexes, meta)
	}
	if _, err := d.CommitSystem(ctx, tx, "_create_system_table", nil, plan.mutation()); err != nil {
		return registry.TableEntry{}, err
	}
	return plan.entry, nil
}

// CreateHiddenTablet creates a hidden tablet for an import, copying index
// definitions from the tablet it will replace, if any.
func (d *Database) CreateHiddenTablet(ctx context.Context, namespace, name string, number types.TableNumber, copyIndexesFrom *types.TabletID) (registry.TableEntry, error) {
	tx := d.Begin(types.SystemIdentity)
	plan, err := d.stageTablet(ctx, tx, namespace, name, number, registry.TableHidden, copyIndexesFrom)
	if err != nil {
		return registry.TableEntry{}, err
	}
	if _, err := d.CommitSystem(ctx, tx, "_prepare_import", nil, plan.mutation()); err != nil {
		return registry.TableEntry{}, err
	}
	return plan.entry, nil
}

// ActivateTablets atomically flips hidden tablets to active, moving any
// replaced active tablets to deleting. All tablets activate in one commit
// so no reader observes a mixed state.
func (d *Database) ActivateTablets(ctx context.Context, tabletIDs []types.TabletID, source types.WriteSource, pre []committer.Precondition) (types.Timestamp, error) {
	tx := d.Begin(types.SystemIdentity)
	snapshot := tx.Snapshot()

	var muts []committer.RegistryMutation
	for _, tabletID := range tabletIDs {
		entry, ok := snapshot.Tables.ByTablet(tabletID)
		if !ok {
			return 0, types.NewSystemError(fmt.Errorf("tablet %s not found", tabletID))
		}
		if entry.State != registry.TableHidden {
			return 0, types.NewSystemError(fmt.Errorf("tablet %s is %s, not hidden", tabletID, entry.State))
		}
		activated := entry
		activated.State = registry.TableActive
		if err := tx.Replace(ctx, registry.DefaultNamespace, registry.TableTables, entry.DocID, registry.TableEntryToDocument(activated)); err != nil {
			return 0, err
		}
		if old, ok := snapshot.Tables.LookupActive(entry.Namespace, entry.Name); ok {
			deleting := old
			deleting.State = registry.TableDeleting
			if err := tx.Replace(ctx, registry.DefaultNamespace, registry.TableTables, old.DocID, registry.TableEntryToDocument(deleting)); err != nil {
				return 0, err
			}
		}
		e := activated
		muts = append(muts, func(s *registry.Snapshot) (*registry.Snapshot, error) {
			return s.WithTables(s.Tables.With(e)), nil
		})
	}
	return d.CommitSystem(ctx, tx, source, pre, composeMutations(muts...))
}
