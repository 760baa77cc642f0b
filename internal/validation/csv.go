package validation

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// Table names used in ValidationError.Table.
const (
	TableMetadata  = "metadata"
	TableCitations = "citations"
	TableTitle     = "title"
	TableBody      = "body"
)

// ReasonMissingColumns is reported once for an empty table.
const ReasonMissingColumns = "missing required columns"

// Report is the ordered outcome of a table validation. An empty Errors slice
// means the tables are valid.
type Report struct {
	Errors []model.ValidationError
}

// Valid reports whether no error was found.
func (r Report) Valid() bool { return len(r.Errors) == 0 }

// Validator checks metadata and citations tables against a Schema. It holds
// no mutable state and is safe for concurrent use.
type Validator struct {
	schema *Schema
}

// NewValidator builds a Validator. A nil schema selects DefaultSchema.
func NewValidator(schema *Schema) *Validator {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Validator{schema: schema}
}

// Schema returns the schema the validator enforces.
func (v *Validator) Schema() *Schema { return v.schema }

// Validate checks both tables. Errors are ordered: metadata findings (header,
// then rows top-down with columns in header order, then duplicate
// identifiers), then citations findings in the same order, then unresolved
// citation references in citation row order.
func (v *Validator) Validate(metadata, citations model.Table) Report {
	if emptyTable(metadata) && emptyTable(citations) {
		return Report{Errors: []model.ValidationError{{Table: TableMetadata, Row: 0, Reason: ReasonMissingColumns}}}
	}
	var errs []model.ValidationError

	meta := v.checkTable(TableMetadata, metadata, v.schema.Metadata, &errs)
	declared := make(map[string]int)
	if meta.usable {
		v.collectIdentifiers(meta, metadata, declared, &errs)
	}

	cits := v.checkTable(TableCitations, citations, v.schema.Citations, &errs)

	if meta.usable && meta.hasAll(v.schema.Metadata.IdentifierColumns) && cits.usable {
		v.resolveReferences(cits, citations, declared, &errs)
	}
	return Report{Errors: errs}
}

// header captures column positions for a table whose header could be read.
type header struct {
	table  string
	usable bool
	index  map[string]int
	// order lists the schema columns present, in header order.
	order []string
	// badRows marks rows whose field count differs from the header.
	badRows map[int]struct{}
}

func (h header) hasAll(cols []string) bool {
	for _, c := range cols {
		if _, ok := h.index[c]; !ok {
			return false
		}
	}
	return true
}

func (h header) cell(row []string, col string) (string, bool) {
	i, ok := h.index[col]
	if !ok || i >= len(row) {
		return "", false
	}
	return strings.TrimSpace(row[i]), true
}

func (v *Validator) checkTable(name string, table model.Table, ts TableSchema, errs *[]model.ValidationError) header {
	h := header{table: name, index: make(map[string]int), badRows: make(map[int]struct{})}
	if emptyTable(table) {
		*errs = append(*errs, model.ValidationError{Table: name, Row: 0, Reason: ReasonMissingColumns})
		return h
	}
	h.usable = true

	for i, raw := range table[0] {
		col := strings.TrimSpace(raw)
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		if _, dup := h.index[col]; dup {
			*errs = append(*errs, model.ValidationError{Table: name, Row: 0, Column: col, Reason: "duplicate column"})
			continue
		}
		h.index[col] = i
		if !contains(ts.Columns, col) {
			*errs = append(*errs, model.ValidationError{Table: name, Row: 0, Column: col, Reason: "unexpected column"})
			continue
		}
		h.order = append(h.order, col)
	}
	for _, col := range ts.Columns {
		if _, ok := h.index[col]; !ok {
			*errs = append(*errs, model.ValidationError{Table: name, Row: 0, Column: col, Reason: "missing required column"})
		}
	}

	width := len(table[0])
	for r := 1; r < len(table); r++ {
		row := table[r]
		if len(row) != width {
			h.badRows[r] = struct{}{}
			*errs = append(*errs, model.ValidationError{
				Table:  name,
				Row:    r,
				Reason: fmt.Sprintf("row has %d fields, header has %d", len(row), width),
			})
			continue
		}
		for _, col := range h.order {
			value, _ := h.cell(row, col)
			if value == "" {
				if contains(ts.Required, col) {
					*errs = append(*errs, model.ValidationError{Table: name, Row: r, Column: col, Reason: "required field is empty"})
				}
				continue
			}
			if contains(ts.IdentifierColumns, col) {
				for _, token := range strings.Fields(value) {
					if _, reason := v.schema.ParseIdentifier(token); reason != "" {
						*errs = append(*errs, model.ValidationError{Table: name, Row: r, Column: col, Reason: reason})
					}
				}
			}
		}
	}
	return h
}

// collectIdentifiers registers every well-formed metadata identifier and
// reports each duplicate occurrence. Duplicates are appended after the row
// findings of the metadata table, in row order.
func (v *Validator) collectIdentifiers(h header, table model.Table, declared map[string]int, errs *[]model.ValidationError) {
	for r := 1; r < len(table); r++ {
		if _, bad := h.badRows[r]; bad {
			continue
		}
		for _, col := range v.schema.Metadata.IdentifierColumns {
			value, ok := h.cell(table[r], col)
			if !ok {
				continue
			}
			for _, token := range strings.Fields(value) {
				id, reason := v.schema.ParseIdentifier(token)
				if reason != "" {
					continue
				}
				if first, dup := declared[id.Key()]; dup {
					*errs = append(*errs, model.ValidationError{
						Table:  TableMetadata,
						Row:    r,
						Column: col,
						Reason: fmt.Sprintf("duplicate identifier %q (first declared in row %d)", token, first),
					})
					continue
				}
				declared[id.Key()] = r
			}
		}
	}
}

func (v *Validator) resolveReferences(h header, table model.Table, declared map[string]int, errs *[]model.ValidationError) {
	for r := 1; r < len(table); r++ {
		if _, bad := h.badRows[r]; bad {
			continue
		}
		for _, col := range v.schema.Citations.ReferenceColumns {
			value, ok := h.cell(table[r], col)
			if !ok {
				continue
			}
			for _, token := range strings.Fields(value) {
				id, reason := v.schema.ParseIdentifier(token)
				if reason != "" {
					continue
				}
				if _, found := declared[id.Key()]; !found {
					*errs = append(*errs, model.ValidationError{
						Table:  TableCitations,
						Row:    r,
						Column: col,
						Reason: fmt.Sprintf("identifier %q not found in metadata", token),
					})
				}
			}
		}
	}
}

func emptyTable(t model.Table) bool {
	return len(t) == 0 || blankRow(t[0])
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff")) != "" {
			return false
		}
	}
	return true
}
