// Package repository implements deposit.Store on top of Postgres (pgx),
// SQLite (modernc) and process memory. The SQL stores keep tables and
// validation findings as JSON text columns.
package repository

import (
	"encoding/json"
	"fmt"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// depositColumns is the select list shared by both SQL stores. Scan order
// must match.
const depositColumns = `id, external_ref, submitter, title, metadata, citations, source_url, submitted_at,
	state, validation_errors, rejection_reason, failure_reason, processing_attempts, label, pending_notice,
	created_at, last_transition_at, processing_started_at, archived_at, archive_location, archive_digest`

type jsonColumns struct {
	metadata         string
	citations        string
	validationErrors string
	pendingNotice    *string
}

func encodeColumns(d *model.Deposit) (jsonColumns, error) {
	var (
		cols jsonColumns
		err  error
	)
	if cols.metadata, err = encodeJSON(emptyTable(d.Metadata)); err != nil {
		return cols, fmt.Errorf("encode metadata: %w", err)
	}
	if cols.citations, err = encodeJSON(emptyTable(d.Citations)); err != nil {
		return cols, fmt.Errorf("encode citations: %w", err)
	}
	errs := d.ValidationErrors
	if errs == nil {
		errs = []model.ValidationError{}
	}
	if cols.validationErrors, err = encodeJSON(errs); err != nil {
		return cols, fmt.Errorf("encode validation errors: %w", err)
	}
	if cols.pendingNotice, err = encodeNotice(d.PendingNotice); err != nil {
		return cols, err
	}
	return cols, nil
}

func encodeNotice(n *model.Notice) (*string, error) {
	if n == nil {
		return nil, nil
	}
	raw, err := encodeJSON(n)
	if err != nil {
		return nil, fmt.Errorf("encode notice: %w", err)
	}
	return &raw, nil
}

func (c jsonColumns) decodeInto(d *model.Deposit) error {
	if err := json.Unmarshal([]byte(c.metadata), &d.Metadata); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(c.citations), &d.Citations); err != nil {
		return fmt.Errorf("decode citations: %w", err)
	}
	if err := json.Unmarshal([]byte(c.validationErrors), &d.ValidationErrors); err != nil {
		return fmt.Errorf("decode validation errors: %w", err)
	}
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	if len(d.Citations) == 0 {
		d.Citations = nil
	}
	if len(d.ValidationErrors) == 0 {
		d.ValidationErrors = nil
	}
	if c.pendingNotice != nil && *c.pendingNotice != "" {
		var n model.Notice
		if err := json.Unmarshal([]byte(*c.pendingNotice), &n); err != nil {
			return fmt.Errorf("decode notice: %w", err)
		}
		d.PendingNotice = &n
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func emptyTable(t model.Table) model.Table {
	if t == nil {
		return model.Table{}
	}
	return t
}
