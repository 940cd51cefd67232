package registry

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// Conversions between registry entries and the system-table documents that
// persist them. The registries bootstrap by reading these documents back
// through by_id scans, so the two forms must stay in lockstep.

// TableEntryToDocument renders a _tables document.
func TableEntryToDocument(e TableEntry) types.Object {
	return types.Object{
		"name":      e.Name,
		"namespace": e.Namespace,
		"number":    float64(e.Number),
		"tablet_id": e.TabletID.String(),
		"state":     string(e.State),
	}
}

// TableEntryFromDocument parses a _tables document.
func TableEntryFromDocument(docID types.InternalID, value types.Object) (TableEntry, error) {
	name, _ := value["name"].(string)
	namespace, _ := value["namespace"].(string)
	number, ok := value["number"].(float64)
	if name == "" || !ok {
		return TableEntry{}, fmt.Errorf("malformed _tables document %s", docID)
	}
	tabletID, err := types.ParseTabletID(asString(value["tablet_id"]))
	if err != nil {
		return TableEntry{}, fmt.Errorf("malformed _tables document %s: %w", docID, err)
	}
	state, _ := value["state"].(string)
	return TableEntry{
		Name:      name,
		Namespace: namespace,
		Number:    types.TableNumber(number),
		TabletID:  tabletID,
		State:     TableState(state),
		DocID:     docID,
	}, nil
}

// IndexMetadataToDocument renders an _index document.
func IndexMetadataToDocument(m types.IndexMetadata) types.Object {
	fields := make([]any, len(m.Fields))
	for i, f := range m.Fields {
		fields[i] = f
	}
	state := types.Object{"phase": string(m.State.Phase)}
	if m.State.RetentionStarted {
		state["retention_started"] = true
	}
	return types.Object{
		"index_id":  m.ID.String(),
		"tablet_id": m.TabletID.String(),
		"name":      m.Name,
		"fields":    fields,
		"state":     map[string]any(state),
	}
}

// IndexMetadataFromDocument parses an _index document.
func IndexMetadataFromDocument(docID types.InternalID, value types.Object) (types.IndexMetadata, error) {
	rawID, err := types.ParseTabletID(asString(value["index_id"]))
	if err != nil {
		return types.IndexMetadata{}, fmt.Errorf("malformed _index document %s: %w", docID, err)
	}
	tabletID, err := types.ParseTabletID(asString(value["tablet_id"]))
	if err != nil {
		return types.IndexMetadata{}, fmt.Errorf("malformed _index document %s: %w", docID, err)
	}
	name, _ := value["name"].(string)
	if name == "" {
		return types.IndexMetadata{}, fmt.Errorf("malformed _index document %s: missing name", docID)
	}
	var fields []string
	if raw, ok := value["fields"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	state := types.IndexState{Phase: types.IndexEnabled}
	if raw, ok := value["state"].(map[string]any); ok {
		if phase, ok := raw["phase"].(string); ok {
			state.Phase = types.IndexPhase(phase)
		}
		if started, ok := raw["retention_started"].(bool); ok {
			state.RetentionStarted = started
		}
	}
	return types.IndexMetadata{
		ID:       types.IndexID(rawID),
		TabletID: tabletID,
		Name:     name,
		Fields:   fields,
		State:    state,
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
