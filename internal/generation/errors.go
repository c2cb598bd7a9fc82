package generation

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorKind names the constraint a field violated.
type ErrorKind string

const (
	KindTooShort        ErrorKind = "too_short"
	KindTooLong         ErrorKind = "too_long"
	KindInvalidEnum     ErrorKind = "invalid_enum"
	KindOutOfRange      ErrorKind = "out_of_range"
	KindInvalidURL      ErrorKind = "invalid_url"
	KindMissingRequired ErrorKind = "missing_required"
)

// FieldError is a single violated constraint on one field. Min, Max and
// Allowed are filled according to Kind.
type FieldError struct {
	Field   string    `json:"field"`
	Kind    ErrorKind `json:"kind"`
	Min     int64     `json:"min,omitempty"`
	Max     int64     `json:"max,omitempty"`
	Allowed []string  `json:"allowed,omitempty"`
}

func TooShort(field string, min int) FieldError {
	return FieldError{Field: field, Kind: KindTooShort, Min: int64(min)}
}

func TooLong(field string, max int) FieldError {
	return FieldError{Field: field, Kind: KindTooLong, Max: int64(max)}
}

func InvalidEnum(field string, allowed []string) FieldError {
	return FieldError{Field: field, Kind: KindInvalidEnum, Allowed: allowed}
}

func OutOfRange(field string, min, max int64) FieldError {
	return FieldError{Field: field, Kind: KindOutOfRange, Min: min, Max: max}
}

func InvalidURL(field string) FieldError {
	return FieldError{Field: field, Kind: KindInvalidURL}
}

func MissingRequired(field string) FieldError {
	return FieldError{Field: field, Kind: KindMissingRequired}
}

func (e FieldError) Error() string {
	switch e.Kind {
	case KindTooShort:
		return fmt.Sprintf("%s must be at least %d characters", e.Field, e.Min)
	case KindTooLong:
		return fmt.Sprintf("%s must be at most %d characters", e.Field, e.Max)
	case KindInvalidEnum:
		return fmt.Sprintf("%s must be one of: %s", e.Field, strings.Join(e.Allowed, ", "))
	case KindOutOfRange:
		return fmt.Sprintf("%s must be an integer between %d and %d", e.Field, e.Min, e.Max)
	case KindInvalidURL:
		return fmt.Sprintf("%s must be an absolute URL", e.Field)
	case KindMissingRequired:
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s is invalid", e.Field)
}

// FieldErrors collects every violation of a request, keyed by field name.
// JSON encoding orders the keys by name.
type FieldErrors map[string][]FieldError

func (fe FieldErrors) add(e FieldError) {
	fe[e.Field] = append(fe[e.Field], e)
}

func (fe FieldErrors) Has(field string) bool {
	return len(fe[field]) > 0
}

// Fields returns the offending field names in sorted order.
func (fe FieldErrors) Fields() []string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Kinds lists the error kinds recorded for field.
func (fe FieldErrors) Kinds(field string) []ErrorKind {
	kinds := make([]ErrorKind, 0, len(fe[field]))
	for _, e := range fe[field] {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// All flattens the errors, ordered by field name.
func (fe FieldErrors) All() []FieldError {
	var all []FieldError
	for _, f := range fe.Fields() {
		all = append(all, fe[f]...)
	}
	return all
}

func (fe FieldErrors) Error() string {
	msgs := make([]string, 0, len(fe))
	for _, e := range fe.All() {
		msgs = append(msgs, e.Error())
	}
	return "invalid generation request: " + strings.Join(msgs, "; ")
}
