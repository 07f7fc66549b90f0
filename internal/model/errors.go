package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the loop's failure taxonomy.
var (
	// ErrModelUnavailable means the inference endpoint could not be
	// reached after retries.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrStuckLoop means the same failure fingerprint repeated past the
	// stuck window.
	ErrStuckLoop = errors.New("stuck loop detected")
	// ErrIterationExhausted means the iteration cap was reached without
	// all criteria passing.
	ErrIterationExhausted = errors.New("iteration budget exhausted")
	// ErrWorkspaceCorruption is fatal; no automatic recovery is attempted.
	ErrWorkspaceCorruption = errors.New("workspace corruption")
)

// SchemaViolationError reports a model response that failed schema
// validation after the corrective retry.
type SchemaViolationError struct {
	Schema string
	Detail string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation (%s): %s", e.Schema, e.Detail)
}

// SyntaxError names the exact file and line of a source-level failure.
type SyntaxError struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error in %s:%d: %s", e.File, e.Line, e.Message)
}

// ErrorCategory classifies failures for fingerprinting and RCA evidence.
type ErrorCategory string

const (
	CategoryNone     ErrorCategory = ""
	CategoryTestFail ErrorCategory = "test-fail"
	CategoryMissing  ErrorCategory = "missing-file"
	CategoryCommand  ErrorCategory = "command-fail"
	CategoryTimeout  ErrorCategory = "timeout"
	CategorySyntax   ErrorCategory = "syntax"
)

func (c ErrorCategory) rank() int {
	switch c {
	case CategorySyntax:
		return 5
	case CategoryTimeout:
		return 4
	case CategoryMissing:
		return 3
	case CategoryCommand:
		return 2
	case CategoryTestFail:
		return 1
	default:
		return 0
	}
}
