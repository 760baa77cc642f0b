package intake

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/validation"
)

const (
	// DefaultContactMessage answers submitters who are not on the allow-list.
	DefaultContactMessage = "To make a deposit, please contact OpenCitations at <contact@opencitations.net> to register as a trusted user"
	// DefaultThanksMessage answers accepted deposits.
	DefaultThanksMessage = "Thank you for your contribution! OpenCitations just processed the data you provided. " +
		"The citations will soon be available on the [CROCI](https://opencitations.net/index/croci) index and metadata on OpenCitations Meta"
)

// FormatErrors renders findings as a ticket comment. Title and body findings
// come first, then one section per table.
func FormatErrors(errs []model.ValidationError) string {
	var (
		general   []string
		metadata  []string
		citations []string
	)
	for _, e := range errs {
		switch e.Table {
		case validation.TableMetadata:
			metadata = append(metadata, "- "+cellRef(e))
		case validation.TableCitations:
			citations = append(citations, "- "+cellRef(e))
		default:
			general = append(general, e.Reason)
		}
	}
	var sections []string
	if len(general) > 0 {
		sections = append(sections, strings.Join(general, "\n"))
	}
	if len(metadata) > 0 {
		sections = append(sections, "Metadata validation errors:\n"+strings.Join(metadata, "\n"))
	}
	if len(citations) > 0 {
		sections = append(sections, "Citations validation errors:\n"+strings.Join(citations, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

func cellRef(e model.ValidationError) string {
	switch {
	case e.Row < 0:
		return e.Reason
	case e.Row == 0 && e.Column == "":
		return "header: " + e.Reason
	case e.Row == 0:
		return fmt.Sprintf("header, column %q: %s", e.Column, e.Reason)
	case e.Column == "":
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d, column %q: %s", e.Row, e.Column, e.Reason)
}
