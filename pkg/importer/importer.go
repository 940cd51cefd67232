package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/burrow/pkg/committer"
	"github.com/cuemby/burrow/pkg/database"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Mode controls how an import meets an existing table.
type Mode string

const (
	// ModeAppend inserts into the existing table.
	ModeAppend Mode = "append"
	// ModeRequireEmpty fails unless the table is empty or absent.
	ModeRequireEmpty Mode = "require_empty"
	// ModeReplace stages a hidden tablet and atomically swaps it in.
	ModeReplace Mode = "replace"
)

// State is the import lifecycle.
type State string

const (
	StateUploaded               State = "uploaded"
	StateWaitingForConfirmation State = "waiting_for_confirmation"
	StateInProgress             State = "in_progress"
	StateCompleted              State = "completed"
	StateFailed                 State = "failed"
)

// TableImports is the system table recording import state and checkpoints.
const TableImports = "_snapshot_imports"

// MaxImportAge fails imports that linger unconfirmed.
const MaxImportAge = 24 * time.Hour

// defaultBatchSize bounds objects per staging commit.
const defaultBatchSize = 256

// Request describes one snapshot import.
type Request struct {
	Format    Format
	Mode      Mode
	Namespace string
	// Table names the target for single-table formats; ZIP payloads name
	// their own tables.
	Table string
	Data  io.Reader
	// AutoConfirm skips the confirmation step even for destructive
	// replaces.
	AutoConfirm bool
	// References maps each table to the tables its schema points at with
	// document-id fields, for foreign-key validation at activation.
	References map[string][]string
	// BatchSize overrides the staging commit size.
	BatchSize int
}

// TableReport summarizes one table's staged changes.
type TableReport struct {
	Table     string
	RowsAdded int64
	// RowsDeleted counts existing rows a replace will drop at activation.
	RowsDeleted int64
}

// Result is the import outcome. A WaitingForConfirmation result carries the
// import id to pass to Confirm.
type Result struct {
	ImportID types.DocumentID
	State    State
	Tables   []TableReport
	Ts       types.Timestamp
	NumRows  int64
	Message  string
}

// tablePlan is the in-flight staging state of one table.
type tablePlan struct {
	name      string
	entry     registry.TableEntry
	replacing *registry.TableEntry
	schema    types.Object
	rows      int64
}

// Importer drives the snapshot import pipeline: parse, stage into hidden
// tablets, confirm, activate atomically.
type Importer struct {
	db     *database.Database
	logger zerolog.Logger
}

// New builds an importer over the database.
func New(db *database.Database) *Importer {
	return &Importer{db: db, logger: log.WithComponent("importer")}
}

// EnsureBookkeepingTables creates the import state table.
func (im *Importer) EnsureBookkeepingTables(ctx context.Context) error {
	_, err := im.db.CreateSystemTable(ctx, registry.DefaultNamespace, TableImports, nil)
	return err
}

// Run parses and stages the payload. Destructive replaces stop at
// WaitingForConfirmation unless AutoConfirm is set; everything else
// proceeds straight through activation.
func (im *Importer) Run(ctx context.Context, req Request) (*Result, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = defaultBatchSize
	}
	if err := im.EnsureBookkeepingTables(ctx); err != nil {
		return nil, err
	}

	importID, err := im.createImportDoc(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := im.logger.With().Str("import_id", importID.String()).Logger()

	plans := make(map[string]*tablePlan)
	var order []string
	var batch []types.Object
	var batchTable string
	var numRows int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		plan := plans[batchTable]
		if err := im.writeBatch(ctx, importID, plan, batch); err != nil {
			return err
		}
		plan.rows += int64(len(batch))
		numRows += int64(len(batch))
		metrics.ImportRowsWritten.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	err = Parse(req.Format, req.Table, req.Data, func(unit ImportUnit) error {
		switch unit.Kind {
		case UnitNewTable:
			if err := flush(); err != nil {
				return err
			}
			plan, err := im.prepareTableForImport(ctx, req, unit.Table, unit.SuggestedNumber, plans)
			if err != nil {
				return err
			}
			plans[unit.Table] = plan
			order = append(order, unit.Table)
			batchTable = unit.Table
		case UnitGeneratedSchema:
			if plan, ok := plans[unit.Table]; ok {
				plan.schema = unit.Schema
			}
		case UnitObject:
			if _, ok := plans[unit.Table]; !ok {
				return types.NewUserError("ImportParseError", "object for undeclared table %q", unit.Table)
			}
			batchTable = unit.Table
			batch = append(batch, unit.Object)
			if len(batch) >= req.BatchSize {
				return flush()
			}
		case UnitStorageFileChunk:
			// Blob payloads belong to the file-storage collaborator; the
			// core pipeline skips them.
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		im.updateImportDoc(ctx, importID, types.Object{"state": string(StateFailed), "message": err.Error()})
		metrics.ImportsTotal.WithLabelValues(string(StateFailed)).Inc()
		return nil, err
	}

	reports, destructive, err := im.buildReports(ctx, plans, order)
	if err != nil {
		return nil, err
	}

	result := &Result{ImportID: importID, Tables: reports, NumRows: numRows}
	if destructive && !req.AutoConfirm {
		msg := confirmationMessage(reports)
		im.updateImportDoc(ctx, importID, types.Object{
			"state":   string(StateWaitingForConfirmation),
			"message": msg,
			"tables":  plansToDoc(plans),
		})
		result.State = StateWaitingForConfirmation
		result.Message = msg
		logger.Info().Int64("rows", numRows).Msg("Import staged, waiting for confirmation")
		return result, nil
	}

	im.updateImportDoc(ctx, importID, types.Object{
		"state":  string(StateInProgress),
		"tables": plansToDoc(plans),
	})
	ts, err := im.activate(ctx, importID, req, plans, order)
	if err != nil {
		im.updateImportDoc(ctx, importID, types.Object{"state": string(StateFailed), "message": err.Error()})
		metrics.ImportsTotal.WithLabelValues(string(StateFailed)).Inc()
		return nil, err
	}
	im.updateImportDoc(ctx, importID, types.Object{
		"state":    string(StateCompleted),
		"ts":       ts.String(),
		"num_rows": float64(numRows),
	})
	metrics.ImportsTotal.WithLabelValues(string(StateCompleted)).Inc()
	logger.Info().Int64("rows", numRows).Str("ts", ts.String()).Msg("Import completed")

	result.State = StateCompleted
	result.Ts = ts
	return result, nil
}

// prepareTableForImport resolves where a table's objects land, per mode.
func (im *Importer) prepareTableForImport(ctx context.Context, req Request, table string, suggested types.TableNumber, plans map[string]*tablePlan) (*tablePlan, error) {
	snapshot := im.db.LatestSnapshot()
	existing, exists := snapshot.Tables.LookupActive(req.Namespace, table)

	switch req.Mode {
	case ModeAppend:
		if !exists {
			entry, err := im.db.CreateTable(ctx, req.Namespace, table)
			if err != nil {
				return nil, err
			}
			return &tablePlan{name: table, entry: entry}, nil
		}
		return &tablePlan{name: table, entry: existing}, nil

	case ModeRequireEmpty:
		if exists {
			empty, err := im.tableEmpty(ctx, existing)
			if err != nil {
				return nil, err
			}
			if !empty {
				return nil, types.NewUserError("ImportTableNotEmpty", "table %q is not empty", table)
			}
			return &tablePlan{name: table, entry: existing}, nil
		}
		entry, err := im.db.CreateTable(ctx, req.Namespace, table)
		if err != nil {
			return nil, err
		}
		return &tablePlan{name: table, entry: entry}, nil

	case ModeReplace:
		number := suggested
		if number == 0 {
			if exists {
				number = existing.Number
			} else {
				number = snapshot.Tables.NextNumber(req.Namespace)
			}
		}
		var copyFrom *types.TabletID
		var replacing *registry.TableEntry
		if exists {
			id := existing.TabletID
			copyFrom = &id
			e := existing
			replacing = &e
		}
		entry, err := im.db.CreateHiddenTablet(ctx, req.Namespace, table, number, copyFrom)
		if err != nil {
			return nil, err
		}
		return &tablePlan{name: table, entry: entry, replacing: replacing}, nil

	default:
		return nil, types.NewUserError("UnknownImportMode", "unknown import mode %q", req.Mode)
	}
}

// writeBatch stages one batch of objects through the commit path.
func (im *Importer) writeBatch(ctx context.Context, importID types.DocumentID, plan *tablePlan, objs []types.Object) error {
	_, err := im.db.ExecuteWithOverloadedRetries(ctx, types.WriteSource("_import/"+importID.String()),
		func(ctx context.Context, tx *transaction.Transaction) error {
			for _, obj := range objs {
				if _, err := tx.InsertIntoTablet(plan.entry.TabletID, plan.entry.Number, obj); err != nil {
					return err
				}
			}
			return nil
		})
	return err
}

// tableEmpty reports whether a table has any live document.
func (im *Importer) tableEmpty(ctx context.Context, entry registry.TableEntry) (bool, error) {
	count, err := im.liveCount(ctx, entry)
	return count == 0, err
}

func (im *Importer) liveCount(ctx context.Context, entry registry.TableEntry) (int64, error) {
	snapshot := im.db.LatestSnapshot()
	if snapshot.Summaries != nil {
		if sum, ok := snapshot.Summaries[entry.TabletID]; ok {
			return sum.Count, nil
		}
	}
	byID, err := snapshot.Indexes.ByIDIndex(entry.TabletID)
	if err != nil {
		return 0, types.NewSystemError(err)
	}
	var count int64
	scan := im.db.Persistence().IndexScan(byID.ID, entry.TabletID, snapshot.Ts, types.FullInterval(), persistence.Ascending, 0, im.db.RetentionValidator())
	for {
		_, ok, err := scan.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return count, nil
		}
		count++
	}
}

func (im *Importer) buildReports(ctx context.Context, plans map[string]*tablePlan, order []string) ([]TableReport, bool, error) {
	var reports []TableReport
	destructive := false
	for _, name := range order {
		plan := plans[name]
		report := TableReport{Table: name, RowsAdded: plan.rows}
		if plan.replacing != nil {
			deleted, err := im.liveCount(ctx, *plan.replacing)
			if err != nil {
				return nil, false, err
			}
			report.RowsDeleted = deleted
			if deleted > 0 {
				destructive = true
			}
		}
		reports = append(reports, report)
	}
	return reports, destructive, nil
}

func confirmationMessage(reports []TableReport) string {
	msg := "Import staged:"
	for _, r := range reports {
		msg += fmt.Sprintf(" %s +%d", r.Table, r.RowsAdded)
		if r.RowsDeleted > 0 {
			msg += fmt.Sprintf(" (-%d existing)", r.RowsDeleted)
		}
	}
	return msg + ". Confirm to activate."
}

func plansToDoc(plans map[string]*tablePlan) map[string]any {
	out := make(map[string]any, len(plans))
	for name, plan := range plans {
		out[name] = map[string]any{
			"tablet_id": plan.entry.TabletID.String(),
			"number":    float64(plan.entry.Number),
			"rows":      float64(plan.rows),
		}
	}
	return out
}

// activate flips every staged hidden tablet to active in one commit,
// revalidating schema constraints and foreign-key table numbers.
func (im *Importer) activate(ctx context.Context, importID types.DocumentID, req Request, plans map[string]*tablePlan, order []string) (types.Timestamp, error) {
	var hidden []types.TabletID
	for _, name := range order {
		if plans[name].entry.State == registry.TableHidden {
			hidden = append(hidden, plans[name].entry.TabletID)
		}
	}
	if len(hidden) == 0 {
		// Append and require-empty imports write in place; nothing flips.
		return im.db.NowTsForReads(), nil
	}

	pre := []committer.Precondition{
		im.schemaUnchangedPrecondition(req, plans),
		im.foreignKeyPrecondition(ctx, req, plans),
	}
	return im.db.ActivateTablets(ctx, hidden, types.WriteSource("_import/"+importID.String()), pre)
}

// schemaUnchangedPrecondition re-validates that no table involved in the
// import was replaced by someone else since staging began.
func (im *Importer) schemaUnchangedPrecondition(req Request, plans map[string]*tablePlan) committer.Precondition {
	return func(s *registry.Snapshot) error {
		for name, plan := range plans {
			current, exists := s.Tables.LookupActive(req.Namespace, name)
			switch {
			case plan.replacing == nil:
				if exists && current.TabletID != plan.entry.TabletID {
					return types.NewUserError("ImportSchemaChanged", "table %q was created concurrently with the import", name)
				}
			case !exists || current.TabletID != plan.replacing.TabletID:
				return types.NewUserError("ImportSchemaChanged", "table %q changed while the import was staging", name)
			}
		}
		return nil
	}
}

// foreignKeyPrecondition rejects activations that would break document-id
// references: a non-imported, non-empty table whose schema references an
// imported table cannot survive that table's number changing.
func (im *Importer) foreignKeyPrecondition(ctx context.Context, req Request, plans map[string]*tablePlan) committer.Precondition {
	return func(s *registry.Snapshot) error {
		for referrer, refs := range req.References {
			if _, inImport := plans[referrer]; inImport {
				continue
			}
			referrerEntry, ok := s.Tables.LookupActive(req.Namespace, referrer)
			if !ok {
				continue
			}
			for _, referenced := range refs {
				plan, inImport := plans[referenced]
				if !inImport || plan.replacing == nil {
					continue
				}
				if plan.entry.Number == plan.replacing.Number {
					continue
				}
				count, err := im.liveCount(ctx, referrerEntry)
				if err != nil {
					return err
				}
				if count > 0 {
					return types.NewUserError("ImportForeignKey",
						"table %q references table %q, whose id space would change; delete the %d documents in %q or import it too",
						referrer, referenced, count, referrer)
				}
			}
		}
		return nil
	}
}

// Confirm resumes a staged import that stopped at confirmation.
func (im *Importer) Confirm(ctx context.Context, importID types.DocumentID, req Request) (*Result, error) {
	doc, err := im.loadImportDoc(ctx, importID)
	if err != nil {
		return nil, err
	}
	state, _ := doc["state"].(string)
	if State(state) != StateWaitingForConfirmation {
		return nil, types.NewUserError("ImportNotWaiting", "import %s is %s, not waiting for confirmation", importID, state)
	}
	if created, ok := doc[types.FieldCreationTime].(float64); ok {
		age := time.Since(time.UnixMilli(int64(created)))
		if age > MaxImportAge {
			im.updateImportDoc(ctx, importID, types.Object{"state": string(StateFailed), "message": "import expired"})
			return nil, types.NewUserError("ImportExpired", "import %s is %s old; re-upload and retry", importID, age.Truncate(time.Minute))
		}
	}

	plans, order, err := plansFromDoc(im.db.LatestSnapshot(), req.Namespace, doc)
	if err != nil {
		return nil, err
	}
	im.updateImportDoc(ctx, importID, types.Object{"state": string(StateInProgress)})
	ts, err := im.activate(ctx, importID, req, plans, order)
	if err != nil {
		im.updateImportDoc(ctx, importID, types.Object{"state": string(StateFailed), "message": err.Error()})
		metrics.ImportsTotal.WithLabelValues(string(StateFailed)).Inc()
		return nil, err
	}
	var numRows int64
	for _, plan := range plans {
		numRows += plan.rows
	}
	im.updateImportDoc(ctx, importID, types.Object{
		"state":    string(StateCompleted),
		"ts":       ts.String(),
		"num_rows": float64(numRows),
	})
	metrics.ImportsTotal.WithLabelValues(string(StateCompleted)).Inc()
	return &Result{ImportID: importID, State: StateCompleted, Ts: ts, NumRows: numRows}, nil
}

func plansFromDoc(snapshot *registry.Snapshot, namespace string, doc types.Object) (map[string]*tablePlan, []string, error) {
	raw, ok := doc["tables"].(map[string]any)
	if !ok {
		return nil, nil, types.NewUserError("ImportCorrupt", "import record has no staged tables")
	}
	plans := make(map[string]*tablePlan, len(raw))
	var order []string
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		tabletID, err := types.ParseTabletID(fmt.Sprint(m["tablet_id"]))
		if err != nil {
			return nil, nil, err
		}
		entry, ok := snapshot.Tables.ByTablet(tabletID)
		if !ok {
			return nil, nil, types.NewUserError("ImportCorrupt", "staged tablet for table %q no longer exists", name)
		}
		plan := &tablePlan{name: name, entry: entry}
		if rows, ok := m["rows"].(float64); ok {
			plan.rows = int64(rows)
		}
		if existing, ok := snapshot.Tables.LookupActive(namespace, name); ok && existing.TabletID != tabletID {
			e := existing
			plan.replacing = &e
		}
		plans[name] = plan
		order = append(order, name)
	}
	return plans, order, nil
}

// createImportDoc records the import in its initial state.
func (im *Importer) createImportDoc(ctx context.Context, req Request) (types.DocumentID, error) {
	var importID types.DocumentID
	_, err := im.db.ExecuteWithOCCRetries(ctx, "_import", func(ctx context.Context, tx *transaction.Transaction) error {
		id, err := tx.SystemInsert(ctx, registry.DefaultNamespace, TableImports, types.Object{
			"state":  string(StateUploaded),
			"format": string(req.Format),
			"mode":   string(req.Mode),
			"table":  req.Table,
		})
		importID = id
		return err
	})
	return importID, err
}

// updateImportDoc merges fields into the import record. Progress updates
// are best-effort: failures log and never block the pipeline.
func (im *Importer) updateImportDoc(ctx context.Context, importID types.DocumentID, fields types.Object) {
	_, err := im.db.ExecuteWithOverloadedRetries(ctx, "_import", func(ctx context.Context, tx *transaction.Transaction) error {
		doc, ok, err := tx.Get(ctx, registry.DefaultNamespace, TableImports, importID.Internal)
		if err != nil || !ok {
			return err
		}
		merged := doc.Clone()
		for k, v := range fields {
			merged[k] = v
		}
		delete(merged, types.FieldID)
		delete(merged, types.FieldCreationTime)
		return tx.Replace(ctx, registry.DefaultNamespace, TableImports, importID.Internal, merged)
	})
	if err != nil {
		im.logger.Warn().Err(err).Str("import_id", importID.String()).Msg("Failed to update import record")
	}
}

func (im *Importer) loadImportDoc(ctx context.Context, importID types.DocumentID) (types.Object, error) {
	tx := im.db.Begin(types.SystemIdentity)
	doc, ok, err := tx.Get(ctx, registry.DefaultNamespace, TableImports, importID.Internal)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewUserError("ImportNotFound", "import %s not found", importID)
	}
	return doc, nil
}
