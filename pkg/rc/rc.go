// Package rc defines the error taxonomy and informational return codes shared
// by the TopicMesh matching and fan-out core.
//
// Errors are plain sentinels meant to be wrapped with fmt.Errorf("...: %w")
// and tested with errors.Is. Invariant breaches are not errors: they panic
// with a *ConsistencyError so that they can never be silently absorbed.
package rc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a pattern, node or subscription is absent.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed topics and patterns.
	ErrValidation = errors.New("validation failure")
	// ErrResourceExhausted is returned when a reservation or allocation cannot be satisfied.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrCapacity is returned when a recipient refuses a message and the
	// refusal must be surfaced to the publisher.
	ErrCapacity = errors.New("destination full")
	// ErrExists is returned when a named subscription already exists.
	ErrExists = errors.New("already exists")
	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
)

// Code is an informational publish return code. The zero value is OK.
type Code int

const (
	// OK means the publish completed with no condition worth reporting.
	OK Code = iota
	// NoMatchingDestinations means there were no local or remote recipients.
	NoMatchingDestinations
	// NoMatchingLocalDestinations means only remote targets matched.
	NoMatchingLocalDestinations
	// SomeDestinationsFull means at least one recipient rejected the message.
	SomeDestinationsFull
	// AllDestinationsFull means every recipient that passed filtering rejected it.
	AllDestinationsFull
	// NothingToDo means a retained update was superseded or no reposition was required.
	NothingToDo
)

// String returns the code's name.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NoMatchingDestinations:
		return "NoMatchingDestinations"
	case NoMatchingLocalDestinations:
		return "NoMatchingLocalDestinations"
	case SomeDestinationsFull:
		return "SomeDestinationsFull"
	case AllDestinationsFull:
		return "AllDestinationsFull"
	case NothingToDo:
		return "NothingToDo"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// ConsistencyError describes a broken invariant. It is only ever raised via
// panic.
type ConsistencyError struct {
	Component string
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: consistency violation: %s", e.Component, e.Detail)
}

// Violation panics with a *ConsistencyError.
func Violation(component, format string, args ...any) {
	panic(&ConsistencyError{Component: component, Detail: fmt.Sprintf(format, args...)})
}
