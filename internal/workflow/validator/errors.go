package validator

import (
	"fmt"
	"strings"
)

// Code classifies a validation rejection.
type Code string

const (
	MissingRequiredField Code = "missing_required_field"
	TypeMismatch         Code = "type_mismatch"
	RangeError           Code = "range_error"
	PatternMismatch      Code = "pattern_mismatch"
	DanglingReference    Code = "dangling_reference"
	DuplicateConnection  Code = "duplicate_connection"
	PortNotFound         Code = "port_not_found"
	DirectionMismatch    Code = "direction_mismatch"
	TypeIncompatible     Code = "type_incompatible"
	CycleDetected        Code = "cycle_detected"
)

// ValidationError is a structured rejection. It is returned as a value and
// never panicked.
type ValidationError struct {
	Code    Code   `json:"code"`
	NodeID  string `json:"nodeId,omitempty"`
	PortID  string `json:"portId,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", e.NodeID)
	}
	if e.PortID != "" {
		fmt.Fprintf(&b, " port=%s", e.PortID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Err returns nil when there are no violations.
func (errs ValidationErrors) Err() error {
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Has reports whether any violation carries the given code.
func (errs ValidationErrors) Has(code Code) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}
