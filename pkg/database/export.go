package database

import (
	"context"
	"strings"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
)

// ExportFilter selects what a streaming export returns.
type ExportFilter struct {
	// Namespace restricts the export to one component namespace.
	Namespace string
	// Tables restricts to the named tables; nil selects all.
	Tables map[string]struct{}
	// Columns optionally prunes value fields per table. System fields are
	// always kept.
	Columns map[string]map[string]struct{}
	// IncludeSystem opts system tables in.
	IncludeSystem bool
	// IncludeHidden opts hidden tablets in.
	IncludeHidden bool
}

func (f ExportFilter) selectsTable(entry registry.TableEntry) bool {
	if entry.Namespace != f.Namespace {
		return false
	}
	if strings.HasPrefix(entry.Name, "_") && !f.IncludeSystem {
		return false
	}
	if entry.State == registry.TableHidden && !f.IncludeHidden {
		return false
	}
	if entry.State == registry.TableDeleting {
		return false
	}
	if f.Tables != nil {
		if _, ok := f.Tables[entry.Name]; !ok {
			return false
		}
	}
	return true
}

func (f ExportFilter) project(table string, value types.Object) types.Object {
	if value == nil {
		return nil
	}
	cols, ok := f.Columns[table]
	if !ok {
		return value
	}
	out := make(types.Object, len(cols)+2)
	for k, v := range value {
		if k == types.FieldID || k == types.FieldCreationTime {
			out[k] = v
			continue
		}
		if _, keep := cols[k]; keep {
			out[k] = v
		}
	}
	return out
}

// DocumentDelta is one change in the timestamp-ordered export feed. A nil
// Value marks a deletion.
type DocumentDelta struct {
	Ts    types.Timestamp
	Table string
	ID    types.DocumentID
	Value types.Object
}

// DocumentDeltasPage is one page of the change feed. Cursor is the last
// timestamp fully covered by the page: results for a single timestamp are
// never split across pages.
type DocumentDeltasPage struct {
	Deltas  []DocumentDelta
	Cursor  types.Timestamp
	HasMore bool
}

// DocumentDeltas reads the change feed from (cursorTs, now]. The scan stops
// after readLimit rows read or returnLimit rows returned, then drains to
// the next timestamp boundary so each commit's changes stay atomic.
func (d *Database) DocumentDeltas(ctx context.Context, cursorTs types.Timestamp, filter ExportFilter, readLimit, returnLimit int) (*DocumentDeltasPage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExportPageDuration, "document_deltas")
	if readLimit <= 0 {
		readLimit = 1024
	}
	if returnLimit <= 0 {
		returnLimit = readLimit
	}

	snapshot := d.snapshots.Current()
	upper := d.NowTsForReads()
	page := &DocumentDeltasPage{Cursor: cursorTs}

	stream := d.p.LoadDocuments(persistence.TsRange{Start: cursorTs + 1, End: upper + 1}, persistence.Ascending, readLimit, d.retention)
	rowsRead := 0
	var boundary types.Timestamp
	for {
		entry, ok, err := stream.Next(ctx)
		if err != nil {
			if types.IsOutOfRetention(err) {
				return nil, types.NewUserError("InvalidWindowToReadDocuments",
					"the requested cursor %s is outside the document retention window", cursorTs)
			}
			return nil, err
		}
		if !ok {
			// Drained: everything up to the repeatable horizon is covered.
			page.HasMore = false
			page.Cursor = upper
			break
		}
		if boundary == 0 {
			boundary = entry.Ts
		}
		if entry.Ts != boundary {
			// Timestamp boundary: everything at boundary is emitted.
			page.Cursor = boundary
			if rowsRead >= readLimit || len(page.Deltas) >= returnLimit {
				page.HasMore = true
				break
			}
			boundary = entry.Ts
		}
		rowsRead++
		tableEntry, ok := snapshot.Tables.ByTablet(entry.TabletID)
		if !ok || !filter.selectsTable(tableEntry) {
			continue
		}
		page.Deltas = append(page.Deltas, DocumentDelta{
			Ts:    entry.Ts,
			Table: tableEntry.Name,
			ID:    types.DocumentID{Table: tableEntry.Number, Internal: entry.ID},
			Value: filter.project(tableEntry.Name, entry.Value),
		})
	}
	metrics.ExportRowsTotal.WithLabelValues("document_deltas").Add(float64(len(page.Deltas)))
	return page, nil
}
