// Package errdefs defines the error taxonomy shared by the engine:
//
//   - ValidationError: bad caller input, nothing was mutated
//   - ConflictError:   concurrent write or unresolved identifier collision,
//     retried once with backoff before it surfaces
//   - FatalConfigError: the mutation would leave the persisted configuration
//     broken; it is aborted and the prior state retained
//   - ParseError:      a malformed rule or fragment line, named by file and line
//
// Plain I/O errors (disk full, permission denied) are wrapped with %w and
// surface as-is; the temp-then-rename write discipline guarantees no partial
// artifact is ever observed.
package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError reports invalid input. The operation performed no
// persisted mutation.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// Validationf creates a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	var p *ParseError
	return errors.As(err, &v) || errors.As(err, &p)
}

// ConflictError reports a concurrent write conflict or an identifier
// collision that could not be disambiguated.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return e.Detail
}

// Conflictf creates a ConflictError.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Detail: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// FatalConfigError reports a mutation that would have broken the aggregate
// persisted configuration. The mutation was rolled back and the previous
// state retained.
type FatalConfigError struct {
	Detail string
	Err    error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *FatalConfigError) Unwrap() error {
	return e.Err
}

// FatalConfigf creates a FatalConfigError.
func FatalConfigf(format string, args ...any) error {
	return &FatalConfigError{Detail: fmt.Sprintf(format, args...)}
}

// IsFatalConfig reports whether err is (or wraps) a FatalConfigError.
func IsFatalConfig(err error) bool {
	var f *FatalConfigError
	return errors.As(err, &f)
}

// ParseError reports a malformed line in a fragment or rule file.
type ParseError struct {
	File   string
	Line   int
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Detail)
}

// Parsef creates a ParseError for the given file and line.
func Parsef(file string, line int, format string, args ...any) error {
	return &ParseError{File: file, Line: line, Detail: fmt.Sprintf(format, args...)}
}

// CLI exit codes. Commands print a one-line human message and exit with
// the code the error class maps to.
const (
	ExitOK         = 0
	ExitValidation = 1
	ExitFatal      = 2
)

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsValidation(err):
		return ExitValidation
	default:
		return ExitFatal
	}
}

// Code returns the machine-parseable error code for CLI output.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "validation"
	case IsConflict(err):
		return "conflict"
	case IsFatalConfig(err):
		return "fatal-config"
	default:
		return "io"
	}
}
