package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/pkg/events"
	"github.com/3leaps/clipforge/pkg/ledger"
	"github.com/3leaps/clipforge/pkg/lifecycle"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/worker"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// defaultListLimit applies to list endpoints without ?limit.
const defaultListLimit = 20

// Worker is the part of *worker.Worker the API drives.
type Worker interface {
	Tick(ctx context.Context) (worker.TickResult, error)
	Sweep(ctx context.Context, threshold time.Duration) (worker.SweepResult, error)
}

// API serves the /v1 routes.
type API struct {
	Batches *lifecycle.Manager
	Worker  Worker
	Ledger  *ledger.Ledger
	Events  *events.Bus
	Logger  *zap.Logger
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// CreateBatch handles POST /v1/batches.
func (a *API) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := a.Batches.CreateBatch(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListBatches handles GET /v1/batches?user_id=&status=&limit=.
func (a *API) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultListLimit, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f := store.BatchFilter{UserID: q.Get("user_id"), Limit: limit}
	if s := q.Get("status"); s != "" {
		f.Status = model.BatchStatus(s)
	}
	batches, err := a.Batches.ListBatches(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if batches == nil {
		batches = []model.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// LatestBatch handles GET /v1/batches/latest?user_id=.
func (a *API) LatestBatch(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondWithError(w, r, apperrors.NewValidationError("user_id is required").
			WithDetails(map[string]any{"field": "user_id"}))
		return
	}
	b, err := a.Batches.LatestBatch(r.Context(), userID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBatch handles GET /v1/batches/{id}.
func (a *API) GetBatch(w http.ResponseWriter, r *http.Request) {
	view, err := a.Batches.GetBatchView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListClips handles GET /v1/batches/{id}/clips.
func (a *API) ListClips(w http.ResponseWriter, r *http.Request) {
	clips, err := a.Batches.ListClips(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if clips == nil {
		clips = []model.Clip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clips": clips})
}

// BatchEvents handles GET /v1/batches/{id}/events?since=.
func (a *API) BatchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, err := intParam(r.URL.Query().Get("since"), 0, "since")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if _, err := a.Batches.GetBatch(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	var evs []events.Event
	var last int64
	if a.Events != nil {
		evs = a.Events.ForBatch(id, int64(since))
		last = a.Events.LastSeq()
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "last_seq": last})
}

// CancelBatch handles POST /v1/batches/{id}/cancel.
func (a *API) CancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := a.Batches.CancelBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type reviewRequest struct {
	Winner bool `json:"winner"`
	Killed bool `json:"killed"`
}

// ReviewClip handles POST /v1/clips/{id}/review.
func (a *API) ReviewClip(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	c, err := a.Batches.SetReview(r.Context(), chi.URLParam(r, "id"), req.Winner, req.Killed)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Quote handles GET /v1/quote?quality_tier=&output_kind=&test_mode=&variant_count=.
func (a *API) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := intParam(q.Get("variant_count"), 1, "variant_count")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	quote, err := a.Batches.Quote(q.Get("quality_tier"), q.Get("output_kind"), q.Get("test_mode"), count)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type tickRequest struct {
	Action string `json:"action"`
}

// WorkerTick handles POST /v1/worker/tick. The body is optional; when present
// its action must be "process".
func (a *API) WorkerTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Action != "" && req.Action != "process" {
		respondWithError(w, r, apperrors.NewValidationError(fmt.Sprintf("unknown action %q", req.Action)).
			WithDetails(map[string]any{"field": "action"}))
		return
	}
	res, err := a.Worker.Tick(r.Context())
	if err != nil {
		a.logger().Error("Worker tick failed", zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sweepRequest struct {
	StaleMinutes int `json:"stale_minutes"`
}

// WorkerSweep handles POST /v1/worker/sweep. A missing or zero
// stale_minutes uses the worker default.
func (a *API) WorkerSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.StaleMinutes < 0 {
		respondWithError(w, r, apperrors.NewValidationError("stale_minutes must not be negative").
			WithDetails(map[string]any{"field": "stale_minutes"}))
		return
	}
	res, err := a.Worker.Sweep(r.Context(), time.Duration(req.StaleMinutes)*time.Minute)
	if err != nil {
		a.logger().Error("Worker sweep failed", zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type balanceResponse struct {
	UserID       string         `json:"user_id"`
	BalanceCents int64          `json:"balance_cents"`
	Entries      []ledger.Entry `json:"entries,omitempty"`
}

// Credits handles GET /v1/credits/{user}?entries=n.
func (a *API) Credits(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	n, err := intParam(r.URL.Query().Get("entries"), 0, "entries")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	bal, err := a.Ledger.Balance(r.Context(), user)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	resp := balanceResponse{UserID: user, BalanceCents: bal}
	if n > 0 {
		resp.Entries, err = a.Ledger.Entries(r.Context(), user, n)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type grantRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

type grantResponse struct {
	UserID       string `json:"user_id"`
	Granted      bool   `json:"granted"`
	BalanceCents int64  `json:"balance_cents"`
}

// GrantCredits handles POST /v1/credits/{user}/grant. A repeated reference
// is accepted without granting twice.
func (a *API) GrantCredits(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var req grantRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.AmountCents <= 0 {
		respondWithError(w, r, apperrors.NewValidationError("amount_cents must be positive").
			WithDetails(map[string]any{"field": "amount_cents"}))
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		respondWithError(w, r, apperrors.NewValidationError("reference is required").
			WithDetails(map[string]any{"field": "reference"}))
		return
	}
	granted, err := a.Ledger.Grant(r.Context(), user, req.AmountCents, req.Reference)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	bal, err := a.Ledger.Balance(r.Context(), user)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.logger().Info("Credits granted",
		zap.String("user_id", user),
		zap.Int64("amount_cents", req.AmountCents),
		zap.Bool("applied", granted))
	writeJSON(w, http.StatusOK, grantResponse{UserID: user, Granted: granted, BalanceCents: bal})
}

// decodeJSON reads a JSON body. With optional set, an empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return apperrors.NewValidationError("request body is required")
		}
		return apperrors.NewValidationError("invalid JSON body: " + err.Error())
	}
	return nil
}

func intParam(raw string, def int, name string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.NewValidationError(fmt.Sprintf("%s must be a non-negative integer", name)).
			WithDetails(map[string]any{"field": name})
	}
	return n, nil
}
