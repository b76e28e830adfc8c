// Package failure classifies errors for the monitor's error budget.
//
// Components wrap errors at the point where they know what went wrong:
//
//	return failure.Config(fmt.Errorf("smtp credentials missing"))
//
// and the scheduler decides with ClassOf whether the error counts against the
// consecutive-error budget, only warrants a warning, or ends the process.
package failure

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy used by the monitor.
type Class int

const (
	// ClassNone is reported for a nil error.
	ClassNone Class = iota
	// ClassTransient covers store disconnects, relay failures and webhook
	// timeouts. Counted against the budget; the batch is retried next cycle.
	ClassTransient
	// ClassConfig covers configuration gaps. The channel is skipped and a
	// warning is logged; the budget is untouched.
	ClassConfig
	// ClassFatal stops the process.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassConfig:
		return "config"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

type classified struct {
	class Class
	err   error
}

func (e classified) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e classified) Unwrap() error { return e.err }

func wrap(c Class, err error) error {
	if err == nil {
		return nil
	}
	return classified{class: c, err: err}
}

// Transient marks err as a retryable I/O failure.
func Transient(err error) error { return wrap(ClassTransient, err) }

// Config marks err as a configuration gap.
func Config(err error) error { return wrap(ClassConfig, err) }

// Fatal marks err as unrecoverable.
func Fatal(err error) error { return wrap(ClassFatal, err) }

// ClassOf returns the outermost classification found in err's chain.
// Unclassified non-nil errors are treated as transient.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var c classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassTransient
}

func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }
func IsConfig(err error) bool    { return ClassOf(err) == ClassConfig }
func IsFatal(err error) bool     { return ClassOf(err) == ClassFatal }
