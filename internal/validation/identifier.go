package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	doiRE      = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
	pmidRE     = regexp.MustCompile(`^[1-9]\d{0,8}$`)
	pmcidRE    = regexp.MustCompile(`^PMC[1-9]\d*$`)
	wikidataRE = regexp.MustCompile(`^Q[1-9]\d*$`)
	wikiRE     = regexp.MustCompile(`^[1-9]\d*$`)
	openalexRE = regexp.MustCompile(`^W[1-9]\d*$`)
	issnRE     = regexp.MustCompile(`^\d{4}-\d{3}[\dX]$`)
	omidRE     = regexp.MustCompile(`^(br|ra|id|ar|re)/\d+$`)
)

// identifierCheckers holds offline syntax checks. Schemes accepted by a
// Schema but missing here only need a non-empty value.
var identifierCheckers = map[string]func(string) bool{
	"doi":       func(v string) bool { return doiRE.MatchString(v) },
	"isbn":      validISBN,
	"pmid":      func(v string) bool { return pmidRE.MatchString(v) },
	"pmcid":     func(v string) bool { return pmcidRE.MatchString(v) },
	"url":       validURL,
	"wikidata":  func(v string) bool { return wikidataRE.MatchString(v) },
	"wikipedia": func(v string) bool { return wikiRE.MatchString(v) },
	"openalex":  func(v string) bool { return openalexRE.MatchString(v) },
	"issn":      validISSN,
	"omid":      func(v string) bool { return omidRE.MatchString(v) },
}

// Identifier is a parsed schema:value token.
type Identifier struct {
	Scheme string
	Value  string
}

// Key is the canonical form used to resolve cross references. DOIs are case
// insensitive, every other scheme is compared verbatim.
func (id Identifier) Key() string {
	if id.Scheme == "doi" {
		return id.Scheme + ":" + strings.ToLower(id.Value)
	}
	return id.Scheme + ":" + id.Value
}

// ParseIdentifier splits and checks one identifier token. The returned reason
// is empty when the token is acceptable under s.
func (s *Schema) ParseIdentifier(token string) (Identifier, string) {
	scheme, value, ok := strings.Cut(token, ":")
	if !ok || scheme == "" || value == "" {
		return Identifier{}, fmt.Sprintf("malformed identifier %q (expected schema:value)", token)
	}
	scheme = strings.ToLower(scheme)
	if !s.SupportsScheme(scheme) {
		return Identifier{}, fmt.Sprintf("unsupported identifier schema %q", scheme)
	}
	if check := identifierCheckers[scheme]; check != nil && !check(value) {
		return Identifier{}, fmt.Sprintf("%q is not a valid %s", value, strings.ToUpper(scheme))
	}
	return Identifier{Scheme: scheme, Value: value}, ""
}

func validISBN(v string) bool {
	digits := strings.NewReplacer("-", "", " ", "").Replace(v)
	switch len(digits) {
	case 10:
		sum := 0
		for i := 0; i < 10; i++ {
			c := digits[i]
			var d int
			switch {
			case c >= '0' && c <= '9':
				d = int(c - '0')
			case (c == 'X' || c == 'x') && i == 9:
				d = 10
			default:
				return false
			}
			sum += d * (10 - i)
		}
		return sum%11 == 0
	case 13:
		sum := 0
		for i := 0; i < 13; i++ {
			c := digits[i]
			if c < '0' || c > '9' {
				return false
			}
			d := int(c - '0')
			if i%2 == 1 {
				d *= 3
			}
			sum += d
		}
		return sum%10 == 0
	}
	return false
}

func validISSN(v string) bool {
	if !issnRE.MatchString(v) {
		return false
	}
	digits := strings.ReplaceAll(v, "-", "")
	sum := 0
	for i := 0; i < 7; i++ {
		sum += int(digits[i]-'0') * (8 - i)
	}
	check := (11 - sum%11) % 11
	last := digits[7]
	if check == 10 {
		return last == 'X'
	}
	return int(last-'0') == check
}

func validURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
