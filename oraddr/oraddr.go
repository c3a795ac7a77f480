// Package oraddr parses and canonicalises X.400 O/R addresses as used on
// the AMHS network, and maps 8-character ICAO addresses onto them.
package oraddr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
)

// Attribute keys in canonical order
const (
	Country      = "C"
	ADMD         = "ADMD"
	PRMD         = "PRMD"
	Organization = "O"
	OU1          = "OU1"
	OU2          = "OU2"
	OU3          = "OU3"
	OU4          = "OU4"
	CommonName   = "CN"
)

var canonicalOrder = []string{Country, ADMD, PRMD, Organization, OU1, OU2, OU3, OU4, CommonName}

var maxLengths = map[string]int{
	Country:      2,
	ADMD:         16,
	PRMD:         16,
	Organization: 64,
	OU1:          32,
	OU2:          32,
	OU3:          32,
	OU4:          32,
	CommonName:   64,
}

var (
	printableString = regexp.MustCompile(`^[A-Z0-9 '(),\-.:=?]*$`)
	icaoAddress     = regexp.MustCompile(`^[A-Z0-9]{8}$`)
)

// Address is a parsed O/R address. The zero value has no attributes.
type Address struct {
	attrs map[string]string
}

// New builds an address from an attribute map, dropping blank values.
// Keys are used as given; values are trimmed.
func New(attrs map[string]string) Address {
	normalized := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if v := strings.TrimSpace(value); v != "" {
			normalized[key] = v
		}
	}
	return Address{attrs: normalized}
}

// Parse parses an O/R address such as /C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIRRZQZX.
// Both '/' and ';' separate attributes; A, P and OU are accepted as aliases
// for ADMD, PRMD and OU1.
func Parse(address string) (Address, error) {
	if strings.TrimSpace(address) == "" {
		return Address{}, amhserrors.NewValidationError("or_address", "O/R address cannot be empty")
	}

	tokens := strings.Split(strings.ReplaceAll(strings.TrimSpace(address), ";", "/"), "/")
	values := make(map[string]string)
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		key = normalizeKey(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if err := validateAttribute(key, value); err != nil {
			return Address{}, err
		}
		if _, dup := values[key]; dup {
			return Address{}, amhserrors.NewValidationError(key, "Duplicate O/R attribute: "+key)
		}
		values[key] = value
	}

	if len(values) == 0 {
		return Address{}, amhserrors.NewValidationError("or_address", "Invalid O/R address format")
	}
	return Address{attrs: values}, nil
}

// Get returns the value of an attribute, or "" when absent
func (a Address) Get(key string) string {
	return a.attrs[key]
}

// Attributes returns a copy of the attribute map
func (a Address) Attributes() map[string]string {
	out := make(map[string]string, len(a.attrs))
	for k, v := range a.attrs {
		out[k] = v
	}
	return out
}

// IsZero reports whether the address has no attributes
func (a Address) IsZero() bool {
	return len(a.attrs) == 0
}

// OrganizationalUnits returns OU1..OU4 in order, skipping absent ones
func (a Address) OrganizationalUnits() []string {
	var units []string
	for _, key := range []string{OU1, OU2, OU3, OU4} {
		if v := a.attrs[key]; v != "" {
			units = append(units, v)
		}
	}
	return units
}

// String returns the canonical form: attributes in C, ADMD, PRMD, O,
// OU1-OU4, CN order, each prefixed with '/'.
func (a Address) String() string {
	var sb strings.Builder
	seen := make(map[string]bool, len(canonicalOrder))
	for _, key := range canonicalOrder {
		if v, ok := a.attrs[key]; ok {
			fmt.Fprintf(&sb, "/%s=%s", key, v)
			seen[key] = true
		}
	}
	// non-canonical keys only appear through New
	var extra []string
	for key := range a.attrs {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		fmt.Fprintf(&sb, "/%s=%s", key, a.attrs[key])
	}
	return sb.String()
}

// Matches reports whether every criterion attribute is present in the
// address with a case-insensitively equal value.
func (a Address) Matches(criteria map[string]string) bool {
	for key, want := range criteria {
		if !strings.EqualFold(want, a.attrs[key]) {
			return false
		}
	}
	return true
}

// IsICAO reports whether s is an 8-character ICAO short-form address
func IsICAO(s string) bool {
	return icaoAddress.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

// FromICAO builds the AFTN-form O/R address for an 8-character ICAO address:
// /C=<country>/ADMD=ICAO/PRMD=<prmd>/O=AFTN/OU1=<icao>.
func FromICAO(icao, country, prmd string) (Address, error) {
	icao = strings.ToUpper(strings.TrimSpace(icao))
	if !icaoAddress.MatchString(icao) {
		return Address{}, amhserrors.NewValidationError("or_address", "invalid ICAO address: "+icao)
	}
	attrs := map[string]string{
		Country:      strings.ToUpper(strings.TrimSpace(country)),
		ADMD:         "ICAO",
		PRMD:         strings.ToUpper(strings.TrimSpace(prmd)),
		Organization: "AFTN",
		OU1:          icao,
	}
	for key, value := range attrs {
		if value == "" {
			return Address{}, amhserrors.NewValidationError(key, "O/R attribute "+key+" is required")
		}
		if err := validateAttribute(key, value); err != nil {
			return Address{}, err
		}
	}
	return Address{attrs: attrs}, nil
}

func normalizeKey(raw string) string {
	key := strings.ToUpper(strings.TrimSpace(raw))
	switch key {
	case "A":
		return ADMD
	case "P":
		return PRMD
	case "OU":
		return OU1
	default:
		return key
	}
}

func validateAttribute(key, raw string) error {
	maxLen, ok := maxLengths[key]
	if !ok {
		return amhserrors.NewValidationError(key, "Unsupported O/R attribute: "+key)
	}

	value := strings.ToUpper(strings.TrimSpace(raw))
	if len(value) > maxLen {
		return amhserrors.NewValidationError(key, fmt.Sprintf("O/R attribute %s exceeds max length %d", key, maxLen))
	}
	if i := strings.IndexAny(value, `/+"`); i >= 0 {
		return amhserrors.NewValidationError(key, fmt.Sprintf("O/R attribute %s contains disallowed character: %c", key, value[i]))
	}
	if !printableString.MatchString(value) {
		return amhserrors.NewValidationError(key, fmt.Sprintf("O/R attribute %s must use PrintableString characters", key))
	}
	return nil
}
