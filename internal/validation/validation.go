// Package validation collects field-level input errors for 422 responses.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrValidation matches any *Errors via errors.Is.
var ErrValidation = errors.New("validation failed")

// Errors maps a field name to its messages.
type Errors struct {
	Fields map[string][]string
}

// New returns an empty Errors.
func New() *Errors {
	return &Errors{Fields: map[string][]string{}}
}

// Add records msg against field.
func (e *Errors) Add(field, format string, args ...any) {
	e.Fields[field] = append(e.Fields[field], fmt.Sprintf(format, args...))
}

// Check adds msg when ok is false.
func (e *Errors) Check(ok bool, field, format string, args ...any) {
	if !ok {
		e.Add(field, format, args...)
	}
}

// Has reports whether field already has an error.
func (e *Errors) Has(field string) bool {
	return len(e.Fields[field]) > 0
}

// Err returns e as an error, or nil when nothing was recorded.
func (e *Errors) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Messages returns all messages ordered by field name.
func (e *Errors) Messages() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, e.Fields[k]...)
	}
	return out
}

func (e *Errors) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Messages(), "; ")
}

func (e *Errors) Is(target error) bool {
	return target == ErrValidation
}

// Field returns a single-field validation error.
func Field(field, format string, args ...any) error {
	e := New()
	e.Add(field, format, args...)
	return e
}
