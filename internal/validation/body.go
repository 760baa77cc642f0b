package validation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// SplitBody divides a ticket body into its metadata and citations tables. A
// missing separator or unreadable CSV is reported, never returned as an error.
func (s *Schema) SplitBody(body string) (model.Table, model.Table, []model.ValidationError) {
	metaText, citText, found := strings.Cut(body, s.Separator)
	if !found {
		return nil, nil, []model.ValidationError{{
			Table: TableBody,
			Row:   -1,
			Reason: fmt.Sprintf(
				"Please use the separator %q to divide metadata from citations", s.Separator,
			),
		}}
	}
	var issues []model.ValidationError
	metadata, err := ParseCSV(metaText)
	if err != nil {
		issues = append(issues, csvError(TableMetadata, err))
	}
	citations, err := ParseCSV(citText)
	if err != nil {
		issues = append(issues, csvError(TableCitations, err))
	}
	return metadata, citations, issues
}

// ParseCSV reads CSV text into a Table. Field counts are not enforced here so
// that Validate can report every short or long row individually.
func ParseCSV(text string) (model.Table, error) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "\ufeff"))
	if text == "" {
		return nil, nil
	}
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	var table model.Table
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return table, err
		}
		table = append(table, record)
	}
	return table, nil
}

func csvError(table string, err error) model.ValidationError {
	row := -1
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		// csv lines are 1-based and line 1 is the header (row 0).
		row = parseErr.StartLine - 1
	}
	return model.ValidationError{
		Table:  table,
		Row:    row,
		Reason: fmt.Sprintf("malformed CSV: %v", err),
	}
}
