package importer

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// Format is the wire format of an import payload.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatJSONL     Format = "jsonl"
	FormatJSONArray Format = "json_array"
	FormatZip       Format = "zip"
)

// maxJSONArrayBytes bounds the JSON array format, which is decoded in one
// piece. ZIP payloads are also read whole, without this bound.
const maxJSONArrayBytes = 8 << 20

// UnitKind discriminates the parser's output stream.
type UnitKind int

const (
	UnitNewTable UnitKind = iota
	UnitObject
	UnitGeneratedSchema
	UnitStorageFileChunk
)

// ImportUnit is one element of the parsed import stream. Parsing is
// streaming: objects arrive one at a time after their table's UnitNewTable.
type ImportUnit struct {
	Kind UnitKind

	// Table names the target for UnitNewTable, UnitObject and
	// UnitGeneratedSchema.
	Table string
	// SuggestedNumber carries the table number from a ZIP's _tables
	// listing; zero means unassigned.
	SuggestedNumber types.TableNumber
	// Object is the parsed document for UnitObject.
	Object types.Object
	// Schema is the generated-schema shape for UnitGeneratedSchema.
	Schema types.Object
	// StorageID and Chunk carry file-storage payloads out of ZIP imports.
	StorageID string
	Chunk     []byte
}

// ZIP entry layouts.
var (
	zipDocumentsRe       = regexp.MustCompile(`(?:.*/)?([^/]+)/documents\.jsonl$`)
	zipGeneratedSchemaRe = regexp.MustCompile(`(?:.*/)?([^/]+)/generated_schema\.jsonl$`)
	zipStorageRe         = regexp.MustCompile(`(?:.*/)?_storage/([^/.]+)(?:\.[^/]+)?$`)
)

// Parse streams the payload as import units. Single-table formats (CSV,
// JSONL, JSON array) require table; ZIP payloads carry their own table
// listing.
func Parse(format Format, table string, r io.Reader, emit func(ImportUnit) error) error {
	switch format {
	case FormatCSV:
		return parseCSV(table, r, emit)
	case FormatJSONL:
		return parseJSONL(table, r, emit)
	case FormatJSONArray:
		return parseJSONArray(table, r, emit)
	case FormatZip:
		return parseZip(r, emit)
	default:
		return types.NewUserError("UnknownImportFormat", "unknown import format %q", format)
	}
}

func parseCSV(table string, r io.Reader, emit func(ImportUnit) error) error {
	if table == "" {
		return types.NewUserError("ImportMissingTable", "csv imports require a table name")
	}
	if err := emit(ImportUnit{Kind: UnitNewTable, Table: table}); err != nil {
		return err
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return types.NewUserError("ImportParseError", "csv header: %v", err)
	}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return types.NewUserError("ImportParseError", "csv line %d: %v", line, err)
		}
		obj := make(types.Object, len(header))
		for i, field := range header {
			if i >= len(record) {
				break
			}
			// Schema-aware coercion: an empty cell is a missing field, not
			// an empty string.
			if record[i] == "" {
				continue
			}
			obj[field] = coerceCSVValue(record[i])
		}
		if err := emit(ImportUnit{Kind: UnitObject, Table: table, Object: obj}); err != nil {
			return err
		}
	}
}

// coerceCSVValue maps a CSV cell onto the narrowest JSON value: bool,
// number, quoted/structured JSON, else string.
func coerceCSVValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"') {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

func parseJSONL(table string, r io.Reader, emit func(ImportUnit) error) error {
	if table == "" {
		return types.NewUserError("ImportMissingTable", "jsonl imports require a table name")
	}
	if err := emit(ImportUnit{Kind: UnitNewTable, Table: table}); err != nil {
		return err
	}
	return parseJSONLObjects(table, r, func(obj types.Object) error {
		return emit(ImportUnit{Kind: UnitObject, Table: table, Object: obj})
	})
}

func parseJSONLObjects(table string, r io.Reader, emit func(types.Object) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var obj types.Object
		if err := json.Unmarshal(raw, &obj); err != nil {
			return types.NewUserError("ImportParseError", "table %q line %d: %v", table, line, err)
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func parseJSONArray(table string, r io.Reader, emit func(ImportUnit) error) error {
	if table == "" {
		return types.NewUserError("ImportMissingTable", "json imports require a table name")
	}
	data, err := io.ReadAll(io.LimitReader(r, maxJSONArrayBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxJSONArrayBytes {
		return types.NewUserError("ImportTooLarge", "json array imports are limited to %d bytes; use jsonl", maxJSONArrayBytes)
	}
	var objs []types.Object
	if err := json.Unmarshal(data, &objs); err != nil {
		return types.NewUserError("ImportParseError", "json array: %v", err)
	}
	if err := emit(ImportUnit{Kind: UnitNewTable, Table: table}); err != nil {
		return err
	}
	for _, obj := range objs {
		if err := emit(ImportUnit{Kind: UnitObject, Table: table, Object: obj}); err != nil {
			return err
		}
	}
	return nil
}

// parseZip walks the archive: the _tables listing first so table numbers
// are known before any objects, then per-table generated schemas and
// documents, then storage payloads.
func parseZip(r io.Reader, emit func(ImportUnit) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return types.NewUserError("ImportParseError", "zip: %v", err)
	}

	numbers := make(map[string]types.TableNumber)
	for _, f := range zr.File {
		m := zipDocumentsRe.FindStringSubmatch(f.Name)
		if m == nil || m[1] != "_tables" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = parseJSONLObjects("_tables", rc, func(obj types.Object) error {
			name, _ := obj["name"].(string)
			if name == "" {
				return types.NewUserError("ImportParseError", "_tables entry missing name")
			}
			if id, ok := obj["id"].(float64); ok {
				numbers[name] = types.TableNumber(id)
			}
			return nil
		})
		rc.Close()
		if err != nil {
			return err
		}
	}

	schemas := make(map[string]types.Object)
	for _, f := range zr.File {
		m := zipGeneratedSchemaRe.FindStringSubmatch(f.Name)
		if m == nil || strings.HasPrefix(m[1], "_") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = parseJSONLObjects(m[1], rc, func(obj types.Object) error {
			schemas[m[1]] = obj
			return nil
		})
		rc.Close()
		if err != nil {
			return err
		}
	}

	for _, f := range zr.File {
		m := zipDocumentsRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		table := m[1]
		if strings.HasPrefix(table, "_") {
			continue
		}
		if err := emit(ImportUnit{Kind: UnitNewTable, Table: table, SuggestedNumber: numbers[table]}); err != nil {
			return err
		}
		if schema, ok := schemas[table]; ok {
			if err := emit(ImportUnit{Kind: UnitGeneratedSchema, Table: table, Schema: schema}); err != nil {
				return err
			}
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = parseJSONLObjects(table, rc, func(obj types.Object) error {
			return emit(ImportUnit{Kind: UnitObject, Table: table, Object: obj})
		})
		rc.Close()
		if err != nil {
			return err
		}
	}

	for _, f := range zr.File {
		m := zipStorageRe.FindStringSubmatch(f.Name)
		if m == nil || strings.HasSuffix(f.Name, "documents.jsonl") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		buf := make([]byte, 64*1024)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if err := emit(ImportUnit{Kind: UnitStorageFileChunk, StorageID: m[1], Chunk: chunk}); err != nil {
					rc.Close()
					return err
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rc.Close()
				return err
			}
		}
		rc.Close()
	}
	return nil
}

func (f Format) String() string {
	return string(f)
}
