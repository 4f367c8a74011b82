package errors

import (
	"context"
	"encoding/json"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every API error:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError classifies err and writes the envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := Classify(err)
	if app == nil {
		app = WrapInternal(r.Context(), err, "unknown error")
	}
	env := gferrors.NewErrorEnvelope(app.Code, app.Message).
		WithDetails(app.Details).
		WithPath(r.URL.Path).
		WithCorrelationID(RequestIDFrom(r.Context()))
	WriteEnvelope(w, app.Status, env)
}

// WriteEnvelope renders a gofulmen error envelope in the API error shape.
// Envelope context entries are folded into details; the correlation id is
// reported as the request id.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	body := ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Timestamp: env.Timestamp,
	}
	if n := len(env.Details) + len(env.Context); n > 0 {
		body.Details = make(map[string]any, n)
		for k, v := range env.Details {
			body.Details[k] = v
		}
		for k, v := range env.Context {
			body.Details[k] = v
		}
	}
	WriteError(w, status, body)
}

// WriteError writes body with the given status.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// NotFoundHandler answers unknown routes with the JSON envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	env := gferrors.NewErrorEnvelope(CodeNotFound, "route not found: "+r.Method+" "+r.URL.Path).
		WithPath(r.URL.Path).
		WithCorrelationID(RequestIDFrom(r.Context()))
	WriteEnvelope(w, http.StatusNotFound, env)
}

// MethodNotAllowedHandler answers known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	env := gferrors.NewErrorEnvelope(CodeMethodNotAllowed, "method "+r.Method+" not allowed for "+r.URL.Path).
		WithPath(r.URL.Path).
		WithCorrelationID(RequestIDFrom(r.Context()))
	WriteEnvelope(w, http.StatusMethodNotAllowed, env)
}
