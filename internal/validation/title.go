package validation

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// Title is a parsed ticket title.
type Title struct {
	Raw        string
	Venue      string
	Scheme     string
	Identifier string
}

// ParseTitle checks raw against the schema's title rule. A malformed title is
// reported as a validation error; it is never skipped.
func (s *Schema) ParseTitle(raw string) (Title, []model.ValidationError) {
	title := Title{Raw: raw}
	match := s.titleRE.FindStringSubmatch(raw)
	if match == nil {
		reason := "The title of the issue was not structured correctly."
		if hint := strings.TrimSpace(s.Title.Hint); hint != "" {
			reason += " " + hint
		}
		if len(s.IdentifierSchemas) > 0 {
			reason += " The following identifiers are currently supported: " + strings.Join(s.IdentifierSchemas, ", ") + "."
		}
		return title, []model.ValidationError{titleError(reason)}
	}
	for i, name := range s.titleRE.SubexpNames() {
		switch name {
		case "venue":
			title.Venue = match[i]
		case "schema":
			title.Scheme = strings.ToLower(match[i])
		case "identifier":
			title.Identifier = match[i]
		}
	}
	if title.Scheme == "" && title.Identifier == "" {
		return title, nil
	}
	if !s.SupportsScheme(title.Scheme) {
		return title, []model.ValidationError{titleError(fmt.Sprintf("The identifier schema '%s' is not supported", title.Scheme))}
	}
	if check := identifierCheckers[title.Scheme]; check != nil && !check(title.Identifier) {
		return title, []model.ValidationError{titleError(fmt.Sprintf(
			"The identifier with literal value %s specified in the issue title is not a valid %s",
			title.Identifier, strings.ToUpper(title.Scheme),
		))}
	}
	return title, nil
}

func titleError(reason string) model.ValidationError {
	return model.ValidationError{Table: TableTitle, Row: -1, Reason: reason}
}
