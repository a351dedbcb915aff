package engine

import (
	"errors"
	"fmt"
)

type Code string

const (
	// CodeInvalid rejects bad input before any state is touched.
	CodeInvalid Code = "invalid"
	// CodeNotFound names an unknown slot or offer.
	CodeNotFound Code = "not_found"
	// CodeFatal means a transition was abandoned after exhausting conflict
	// retries. It indicates ledger trouble and should page someone.
	CodeFatal Code = "fatal"
	// CodeInternal covers storage and other unexpected failures.
	CodeInternal Code = "internal"
)

type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func invalid(op, format string, args ...any) *Error {
	return newError(CodeInvalid, op, fmt.Errorf(format, args...))
}

// CodeOf returns the engine code carried by err, CodeInternal for any other
// non-nil error, and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// internal sentinels; never returned to callers
var (
	errSlotClosed    = errors.New("slot no longer open")
	errBatchAdvanced = errors.New("batch already advanced")
	errSlotTaken     = errors.New("slot already taken")
	errOfferGone     = errors.New("offer no longer valid")
)
