package framesource

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the classification of device failures
type ErrorCategory int

const (
	// ErrCategoryConnection indicates the device cannot connect or enter/leave streaming mode
	ErrCategoryConnection ErrorCategory = iota
	// ErrCategoryTransient indicates a bad frame (lock failure, invalid stride); skip and retry
	ErrCategoryTransient
	// ErrCategoryGeometry indicates a frame layout inconsistent with the allocation
	ErrCategoryGeometry
	// ErrCategoryIO indicates a disk write failure
	ErrCategoryIO
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryTransient:
		return "transient"
	case ErrCategoryGeometry:
		return "geometry"
	case ErrCategoryIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a typed device failure carrying where it happened
type Error struct {
	Component   string
	Operation   string
	Description string
	Category    ErrorCategory
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s failed [%s]: %s", e.Component, e.Operation, e.Category, e.Description)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed error
func NewError(component, operation string, category ErrorCategory, description string, err error) *Error {
	return &Error{
		Component:   component,
		Operation:   operation,
		Description: description,
		Category:    category,
		Err:         err,
	}
}

// CategoryOf returns the category of a wrapped *Error, or false if err is untyped
func CategoryOf(err error) (ErrorCategory, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return 0, false
}

// IsFatal reports whether err must abort the operation that produced it.
// Untyped errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	cat, ok := CategoryOf(err)
	if !ok {
		return true
	}
	return cat == ErrCategoryConnection || cat == ErrCategoryGeometry
}
