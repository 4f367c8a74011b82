// Package errors maps domain failures onto the two outer surfaces: the HTTP
// error envelope and CLI process exit codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/clipforge/pkg/ledger"
	"github.com/3leaps/clipforge/pkg/lifecycle"
	"github.com/3leaps/clipforge/pkg/preset"
	"github.com/3leaps/clipforge/pkg/store"
)

// Error codes used in HTTP envelopes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodePayment            = "PAYMENT_ERROR"
	CodeStorage            = "STORAGE_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with a stable code and HTTP status attached.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// WrapInternal wraps err as an internal error. A cancelled context is
// reported as service unavailable instead.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// Classify maps any error to an AppError. Domain errors keep their meaning;
// everything else is internal.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}

	var app *AppError
	if stderrors.As(err, &app) {
		return app
	}

	var verr *lifecycle.ValidationError
	if stderrors.As(err, &verr) {
		return &AppError{
			Code:    CodeValidation,
			Status:  http.StatusBadRequest,
			Message: verr.Error(),
			Details: map[string]any{"field": verr.Field},
			Err:     err,
		}
	}

	var unknown *preset.UnknownMethodError
	if stderrors.As(err, &unknown) {
		return &AppError{
			Code:    CodeValidation,
			Status:  http.StatusBadRequest,
			Message: unknown.Error(),
			Details: map[string]any{"field": "method"},
			Err:     err,
		}
	}

	var perr *lifecycle.PaymentError
	if stderrors.As(err, &perr) {
		return &AppError{
			Code:    CodePayment,
			Status:  http.StatusPaymentRequired,
			Message: perr.Error(),
			Details: map[string]any{"amount_cents": perr.AmountCents},
			Err:     err,
		}
	}
	if stderrors.Is(err, ledger.ErrInsufficientCredits) {
		return &AppError{Code: CodePayment, Status: http.StatusPaymentRequired, Message: err.Error(), Err: err}
	}

	var serr *lifecycle.StorageError
	if stderrors.As(err, &serr) {
		details := map[string]any{"op": serr.Op, "compensated": serr.Compensated}
		if serr.BatchID != "" {
			details["batch_id"] = serr.BatchID
		}
		return &AppError{
			Code:    CodeStorage,
			Status:  http.StatusServiceUnavailable,
			Message: serr.Error(),
			Details: details,
			Err:     err,
		}
	}

	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: err.Error(), Err: err}
	case stderrors.Is(err, store.ErrInvalidTransition):
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: err.Error(), Err: err}
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: err.Error(), Err: err}
	}

	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

// ExitCodeFor returns the foundry exit code for err.
func ExitCodeFor(err error) int {
	if err == nil {
		return foundry.ExitSuccess
	}
	var exit *ExitError
	if stderrors.As(err, &exit) {
		return exit.Code
	}
	switch Classify(err).Code {
	case CodeValidation:
		return foundry.ExitInvalidArgument
	case CodePayment:
		return foundry.ExitResourceExhausted
	case CodeStorage:
		return foundry.ExitDatabaseUnavailable
	case CodeNotFound:
		return foundry.ExitFileNotFound
	case CodeConflict:
		return foundry.ExitDataInvalid
	case CodeServiceUnavailable, CodeExternalService:
		return foundry.ExitExternalServiceUnavailable
	default:
		return foundry.ExitFailure
	}
}

// ExitError carries an explicit exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
