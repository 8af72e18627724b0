// Package errs implements the error taxonomy from spec §7: a shared base
// type carrying Op/Err, concrete kinds embedding it, and errors.As-based
// Is*/As* helpers. Callers are expected to use errors.Is/errors.As, never
// string matching.
package errs

import (
	"errors"
	"fmt"

	"ankurah-core/pkg/clock"
)

// Base is embedded by every concrete error kind below.
type Base struct {
	Op  string
	Err error
}

func (e Base) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e Base) Unwrap() error { return e.Err }

// EventUnavailable: a required event was not found in staging, storage,
// or any reachable peer (spec §7).
type EventUnavailable struct {
	Base
	ID clock.EventId
}

// Disjoint: two different roots, no common ancestor reachable.
type Disjoint struct {
	Base
	SubjectRoot clock.EventId
	OtherRoot   clock.EventId
}

// BudgetExceeded: the DAG is too deep/wide even after internal
// escalation.
type BudgetExceeded struct {
	Base
	SubjectFrontier []clock.EventId
	OtherFrontier   []clock.EventId
}

// InvalidEvent: a non-creation event on an empty head, or an event naming
// a backend with no registered factory. A creation event failing the
// definitive-storage test is reported as Disjoint instead.
type InvalidEvent struct {
	Base
}

// TOCTOUExhausted: the head moved more than max_retries times during a
// merge attempt.
type TOCTOUExhausted struct {
	Base
	Attempts int
}

// Storage: an opaque failure from the underlying persistence engine,
// fatal to the current operation.
type Storage struct {
	Base
}

// PolicyRejected: the attestation/validator layer refused the event. It
// is never stored, never applied.
type PolicyRejected struct {
	Base
}

func New(op string, err error) Base { return Base{Op: op, Err: err} }

func NewEventUnavailable(op string, id clock.EventId) error {
	return &EventUnavailable{Base: New(op, fmt.Errorf("event %s not available", id)), ID: id}
}

func NewDisjoint(op string, subjectRoot, otherRoot clock.EventId) error {
	return &Disjoint{
		Base:        New(op, fmt.Errorf("disjoint roots %s / %s", subjectRoot, otherRoot)),
		SubjectRoot: subjectRoot,
		OtherRoot:   otherRoot,
	}
}

func NewBudgetExceeded(op string, subjectFrontier, otherFrontier []clock.EventId) error {
	return &BudgetExceeded{
		Base:            New(op, fmt.Errorf("budget exceeded")),
		SubjectFrontier: subjectFrontier,
		OtherFrontier:   otherFrontier,
	}
}

func NewInvalidEvent(op string, reason string) error {
	return &InvalidEvent{Base: New(op, fmt.Errorf("invalid event: %s", reason))}
}

func NewTOCTOUExhausted(op string, attempts int) error {
	return &TOCTOUExhausted{Base: New(op, fmt.Errorf("head moved %d times, giving up", attempts)), Attempts: attempts}
}

func NewStorage(op string, err error) error {
	return &Storage{Base: New(op, err)}
}

func NewPolicyRejected(op string, err error) error {
	return &PolicyRejected{Base: New(op, err)}
}

// IsEventUnavailable reports whether err is (or wraps) EventUnavailable.
func IsEventUnavailable(err error) bool {
	var e *EventUnavailable
	return errors.As(err, &e)
}

// IsDisjoint reports whether err is (or wraps) Disjoint.
func IsDisjoint(err error) bool {
	var e *Disjoint
	return errors.As(err, &e)
}

// IsBudgetExceeded reports whether err is (or wraps) BudgetExceeded.
func IsBudgetExceeded(err error) bool {
	var e *BudgetExceeded
	return errors.As(err, &e)
}

// IsInvalidEvent reports whether err is (or wraps) InvalidEvent.
func IsInvalidEvent(err error) bool {
	var e *InvalidEvent
	return errors.As(err, &e)
}

// IsTOCTOUExhausted reports whether err is (or wraps) TOCTOUExhausted.
func IsTOCTOUExhausted(err error) bool {
	var e *TOCTOUExhausted
	return errors.As(err, &e)
}

// IsStorage reports whether err is (or wraps) Storage.
func IsStorage(err error) bool {
	var e *Storage
	return errors.As(err, &e)
}

// IsPolicyRejected reports whether err is (or wraps) PolicyRejected.
func IsPolicyRejected(err error) bool {
	var e *PolicyRejected
	return errors.As(err, &e)
}

// AsEventUnavailable extracts an EventUnavailable from the error chain.
func AsEventUnavailable(err error) (*EventUnavailable, bool) {
	var e *EventUnavailable
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsBudgetExceeded extracts a BudgetExceeded from the error chain.
func AsBudgetExceeded(err error) (*BudgetExceeded, bool) {
	var e *BudgetExceeded
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
