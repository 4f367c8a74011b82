// Package output provides JSONL output for CLI results.
//
// Output is structured as typed record envelopes (batches, clips, jobs, tick
// and run results, errors). Each line is a self-contained JSON object that
// can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: clipforge.<type>.v<version>
const (
	TypeBatch     = "clipforge.batch.v1"
	TypeBatchView = "clipforge.batch_view.v1"
	TypeCreated   = "clipforge.batch_created.v1"
	TypeClip      = "clipforge.clip.v1"
	TypeJob       = "clipforge.job.v1"
	TypeJobCounts = "clipforge.job_counts.v1"
	TypeTick      = "clipforge.tick.v1"
	TypeSweep     = "clipforge.sweep.v1"
	TypeRun       = "clipforge.run.v1"
	TypeQuote     = "clipforge.quote.v1"
	TypeResolve   = "clipforge.resolve.v1"
	TypeBalance   = "clipforge.balance.v1"
	TypeEntry     = "clipforge.ledger_entry.v1"
	TypeCheck     = "clipforge.check.v1"
	TypeVersion   = "clipforge.version.v1"

	// TypeError identifies error records.
	TypeError = "clipforge.error.v1"
)

// Record is the envelope for all JSONL output.
//
// The type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "clipforge.batch.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record written by one command invocation.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records so that a multi-item command (e.g. a worker
// run) can report partial results.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// BatchID is the batch related to this error, if applicable.
	BatchID string `json:"batch_id,omitempty"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodePayment    = "PAYMENT_ERROR"
	ErrCodeStorage    = "STORAGE_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeInternal   = "INTERNAL"
)

// CheckRecord is the data payload for one doctor check.
type CheckRecord struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
