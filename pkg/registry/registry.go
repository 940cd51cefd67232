package registry

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// System tables bootstrapped into every instance.
const (
	TableTables = "_tables"
	TableIndex  = "_index"

	TablesNumber types.TableNumber = 1
	IndexNumber  types.TableNumber = 2

	// FirstUserTableNumber is the first number handed to user tables.
	FirstUserTableNumber types.TableNumber = 10001
)

// DefaultNamespace is the root component namespace.
const DefaultNamespace = ""

// TableState is the tablet lifecycle state.
type TableState string

const (
	TableActive   TableState = "active"
	TableHidden   TableState = "hidden"
	TableDeleting TableState = "deleting"
)

// TableEntry maps one table name to one tablet generation.
type TableEntry struct {
	Name      string
	Namespace string
	Number    types.TableNumber
	TabletID  types.TabletID
	State     TableState
	// DocID is the _tables document holding this entry.
	DocID types.InternalID
}

func (e TableEntry) key() nameKey {
	return nameKey{namespace: e.Namespace, name: e.Name}
}

type nameKey struct {
	namespace string
	name      string
}

// TableMapping is the immutable (namespace, name) to tablet mapping. Writers
// build a new mapping and publish it; readers hold their copy for the life
// of a snapshot.
type TableMapping struct {
	active   map[nameKey]TableEntry
	byTablet map[types.TabletID]TableEntry
}

// NewTableMapping returns an empty mapping.
func NewTableMapping() *TableMapping {
	return &TableMapping{
		active:   make(map[nameKey]TableEntry),
		byTablet: make(map[types.TabletID]TableEntry),
	}
}

func (m *TableMapping) clone() *TableMapping {
	c := &TableMapping{
		active:   make(map[nameKey]TableEntry, len(m.active)),
		byTablet: make(map[types.TabletID]TableEntry, len(m.byTablet)),
	}
	for k, v := range m.active {
		c.active[k] = v
	}
	for k, v := range m.byTablet {
		c.byTablet[k] = v
	}
	return c
}

// LookupActive resolves an active table by namespace and name.
func (m *TableMapping) LookupActive(namespace, name string) (TableEntry, bool) {
	e, ok := m.active[nameKey{namespace: namespace, name: name}]
	return e, ok
}

// ByTablet resolves any tablet, active or hidden.
func (m *TableMapping) ByTablet(id types.TabletID) (TableEntry, bool) {
	e, ok := m.byTablet[id]
	return e, ok
}

// ByNumber resolves an active table by its stable number.
func (m *TableMapping) ByNumber(namespace string, number types.TableNumber) (TableEntry, bool) {
	for _, e := range m.active {
		if e.Namespace == namespace && e.Number == number {
			return e, true
		}
	}
	return TableEntry{}, false
}

// All returns every known tablet entry, including hidden and deleting ones.
func (m *TableMapping) All() []TableEntry {
	out := make([]TableEntry, 0, len(m.byTablet))
	for _, e := range m.byTablet {
		out = append(out, e)
	}
	return out
}

// NextNumber returns the next unused table number in the namespace.
func (m *TableMapping) NextNumber(namespace string) types.TableNumber {
	next := FirstUserTableNumber
	for _, e := range m.byTablet {
		if e.Namespace == namespace && e.Number >= next {
			next = e.Number + 1
		}
	}
	return next
}

// With returns a new mapping including the entry. An active entry replaces
// any previous active entry of the same name, the replaced tablet moving to
// Deleting. A hidden tablet never appears in the active mapping.
func (m *TableMapping) With(entry TableEntry) *TableMapping {
	c := m.clone()
	if entry.State == TableActive {
		if old, ok := c.active[entry.key()]; ok && old.TabletID != entry.TabletID {
			old.State = TableDeleting
			c.byTablet[old.TabletID] = old
		}
		c.active[entry.key()] = entry
	} else {
		if old, ok := c.active[entry.key()]; ok && old.TabletID == entry.TabletID {
			delete(c.active, entry.key())
		}
	}
	c.byTablet[entry.TabletID] = entry
	return c
}

// Without returns a new mapping with the tablet removed entirely.
func (m *TableMapping) Without(id types.TabletID) *TableMapping {
	c := m.clone()
	if e, ok := c.byTablet[id]; ok {
		if cur, active := c.active[e.key()]; active && cur.TabletID == id {
			delete(c.active, e.key())
		}
		delete(c.byTablet, id)
	}
	return c
}

// IndexRegistry is the immutable index metadata registry.
type IndexRegistry struct {
	byID     map[types.IndexID]types.IndexMetadata
	byTablet map[types.TabletID][]types.IndexMetadata
	docIDs   map[types.IndexID]types.InternalID
}

// NewIndexRegistry returns an empty registry.
func NewIndexRegistry() *IndexRegistry {
	return &IndexRegistry{
		byID:     make(map[types.IndexID]types.IndexMetadata),
		byTablet: make(map[types.TabletID][]types.IndexMetadata),
		docIDs:   make(map[types.IndexID]types.InternalID),
	}
}

func (r *IndexRegistry) clone() *IndexRegistry {
	c := &IndexRegistry{
		byID:     make(map[types.IndexID]types.IndexMetadata, len(r.byID)),
		byTablet: make(map[types.TabletID][]types.IndexMetadata, len(r.byTablet)),
		docIDs:   make(map[types.IndexID]types.InternalID, len(r.docIDs)),
	}
	for k, v := range r.byID {
		c.byID[k] = v
	}
	for k, v := range r.byTablet {
		c.byTablet[k] = append([]types.IndexMetadata(nil), v...)
	}
	for k, v := range r.docIDs {
		c.docIDs[k] = v
	}
	return c
}

// Get resolves index metadata by id.
func (r *IndexRegistry) Get(id types.IndexID) (types.IndexMetadata, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// DocID returns the _index document holding the index metadata.
func (r *IndexRegistry) DocID(id types.IndexID) (types.InternalID, bool) {
	d, ok := r.docIDs[id]
	return d, ok
}

// ByTablet lists all indexes over one tablet.
func (r *IndexRegistry) ByTablet(id types.TabletID) []types.IndexMetadata {
	return r.byTablet[id]
}

// ByName resolves an index on a tablet by name.
func (r *IndexRegistry) ByName(tabletID types.TabletID, name string) (types.IndexMetadata, bool) {
	for _, m := range r.byTablet[tabletID] {
		if m.Name == name {
			return m, true
		}
	}
	return types.IndexMetadata{}, false
}

// ByIDIndex returns the required by_id index of a tablet.
func (r *IndexRegistry) ByIDIndex(tabletID types.TabletID) (types.IndexMetadata, error) {
	m, ok := r.ByName(tabletID, types.IndexByID)
	if !ok {
		return types.IndexMetadata{}, fmt.Errorf("tablet %s has no by_id index", tabletID)
	}
	return m, nil
}

// All returns every registered index.
func (r *IndexRegistry) All() []types.IndexMetadata {
	out := make([]types.IndexMetadata, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// With returns a new registry including (or replacing) the index.
func (r *IndexRegistry) With(m types.IndexMetadata, docID types.InternalID) *IndexRegistry {
	c := r.clone()
	c.put(m, docID)
	return c
}

func (r *IndexRegistry) put(m types.IndexMetadata, docID types.InternalID) {
	if _, exists := r.byID[m.ID]; exists {
		list := r.byTablet[m.TabletID]
		for i := range list {
			if list[i].ID == m.ID {
				list[i] = m
			}
		}
	} else {
		r.byTablet[m.TabletID] = append(r.byTablet[m.TabletID], m)
	}
	r.byID[m.ID] = m
	r.docIDs[m.ID] = docID
}

// Without returns a new registry with the index removed.
func (r *IndexRegistry) Without(id types.IndexID) *IndexRegistry {
	c := r.clone()
	m, ok := c.byID[id]
	if !ok {
		return c
	}
	delete(c.byID, id)
	delete(c.docIDs, id)
	list := c.byTablet[m.TabletID]
	for i := range list {
		if list[i].ID == id {
			c.byTablet[m.TabletID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return c
}
