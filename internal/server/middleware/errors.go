package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/observability"
)

// ErrorResponse is the envelope written by the error middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 JSON envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := apperrors.RequestIDFrom(r.Context())
			observability.ServerLogger.Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			envelope := errors.SafeWithSeverity(
				errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)),
				errors.SeverityCritical).
				WithPath(r.URL.Path).
				WithCorrelationID(requestID)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router wiring uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	apperrors.WriteEnvelope(w, statusCode, envelope)
}
