package prefill

import (
	"errors"
	"fmt"
	"strings"
)

// ErrColumnNotFound marks an OperatorError raised for a missing attribute column.
var ErrColumnNotFound = errors.New("column not found")

// LayerUnavailableError is returned when a layer bound to a question cannot be fetched.
type LayerUnavailableError struct {
	Layer string
	URL   string
	Err   error
}

func (e LayerUnavailableError) Error() string {
	msg := fmt.Sprintf("layer %q unavailable", e.Layer)
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e LayerUnavailableError) Unwrap() error { return e.Err }

// SchemaMalformedError reports a schema item missing its name or type.
type SchemaMalformedError struct {
	Item   string
	Reason string
}

func (e SchemaMalformedError) Error() string {
	if e.Item == "" {
		return "malformed schema item: " + e.Reason
	}
	return fmt.Sprintf("malformed schema item %q: %s", e.Item, e.Reason)
}

// OperatorError is a per-question comparison failure. It never aborts a group.
type OperatorError struct {
	Layer       string
	Column      string
	Operator    string
	Value       string
	Available   []string
	Unsupported bool
	Err         error
}

func (e OperatorError) Error() string {
	switch {
	case e.Unsupported:
		return fmt.Sprintf("operator %q is not supported (layer %q, column %q)", e.Operator, e.Layer, e.Column)
	case errors.Is(e.Err, ErrColumnNotFound):
		return fmt.Sprintf("property name %q not found in layer %q; available properties are %q",
			e.Column, e.Layer, strings.Join(e.Available, ", "))
	}
	msg := fmt.Sprintf("operator %s on layer %q column %q value %q", e.Operator, e.Layer, e.Column, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e OperatorError) Unwrap() error { return e.Err }
