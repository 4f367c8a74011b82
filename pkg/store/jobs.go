package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/clipforge/pkg/model"
)

const jobColumns = `id, batch_id, clip_id, type, payload, status, attempts, last_error,
	claim_token, chain_key, created_at, claimed_at, finished_at, updated_at`

// NewJob describes a job to enqueue.
type NewJob struct {
	BatchID string
	ClipID  string
	Type    model.JobType
	Payload model.JobPayload
	// ChainKey makes the insert idempotent: a second insert with the same key
	// is ignored.
	ChainKey string
}

// ChainKey builds the deterministic key for a job enqueued by parent.
func ChainKey(parentJobID string, next model.JobType, clipID string) string {
	if clipID == "" {
		return fmt.Sprintf("%s>%s", parentJobID, next)
	}
	return fmt.Sprintf("%s>%s:%s", parentJobID, next, clipID)
}

// SeedKey builds the deterministic key for a job enqueued at batch creation.
func SeedKey(batchID string, t model.JobType, clipID string) string {
	if clipID == "" {
		return fmt.Sprintf("seed:%s:%s", batchID, t)
	}
	return fmt.Sprintf("seed:%s:%s:%s", batchID, t, clipID)
}

func validateNewJob(j NewJob) error {
	if j.BatchID == "" {
		return errors.New("job batch id is required")
	}
	if _, err := model.ParseJobType(string(j.Type)); err != nil {
		return err
	}
	if j.Type.IsBatchLevel() && j.ClipID != "" {
		return fmt.Errorf("%s jobs are batch-level and take no clip", j.Type)
	}
	if !j.Type.IsBatchLevel() && j.ClipID == "" {
		return fmt.Errorf("%s jobs require a clip", j.Type)
	}
	return nil
}

func insertJob(ctx context.Context, q execer, j NewJob, now time.Time) (string, bool, error) {
	if err := validateNewJob(j); err != nil {
		return "", false, err
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", false, fmt.Errorf("encode job payload: %w", err)
	}
	id := uuid.NewString()
	res, err := q.ExecContext(ctx,
		`INSERT INTO jobs (id, batch_id, clip_id, type, payload, status, attempts, chain_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(chain_key) DO NOTHING`,
		id, j.BatchID, nullString(j.ClipID), string(j.Type), string(payload),
		string(model.JobQueued), nullString(j.ChainKey), toMillis(now), toMillis(now))
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("rows affected: %w", err)
	}
	return id, n > 0, nil
}

// InsertJob enqueues a job. It reports false when a job with the same chain
// key already exists.
func InsertJob(ctx context.Context, db *sql.DB, j NewJob) (string, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return insertJob(ctx, db, j, nowFunc())
}

// InsertJobs enqueues several jobs in one transaction and returns how many
// were new.
func InsertJobs(ctx context.Context, db *sql.DB, jobs []NewJob) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	inserted := 0
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		now := nowFunc()
		for _, j := range jobs {
			_, ok, err := insertJob(ctx, tx, j, now)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j                             model.Job
		clipID, lastErr, token, chain sql.NullString
		typ, payload, status          string
		createdAt, updatedAt          int64
		claimedAt, finishedAt         sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.BatchID, &clipID, &typ, &payload, &status, &j.Attempts, &lastErr,
		&token, &chain, &createdAt, &claimedAt, &finishedAt, &updatedAt); err != nil {
		return nil, err
	}
	j.ClipID = clipID.String
	j.Type = model.JobType(typ)
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	j.LastError = lastErr.String
	j.ClaimToken = token.String
	j.ChainKey = chain.String
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.ClaimedAt = ptrFromNullMillis(claimedAt)
	j.FinishedAt = ptrFromNullMillis(finishedAt)
	return &j, nil
}

// GetJob returns the job with the given id or ErrNotFound.
func GetJob(ctx context.Context, db *sql.DB, id string) (*model.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	BatchID string
	ClipID  string
	Types   []model.JobType
	Status  model.JobStatus
	Limit   int
}

// ListJobs returns jobs oldest first.
func ListJobs(ctx context.Context, db *sql.DB, f JobFilter) ([]model.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		where []string
		args  []any
	)
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.ClipID != "" {
		where = append(where, "clip_id = ?")
		args = append(args, f.ClipID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ClaimNextJob atomically claims the oldest queued job and returns it, or
// nil when nothing is claimable. When types is non-empty only those job
// types are considered.
//
// The claim is a single conditional UPDATE: two concurrent callers can never
// both observe the same row as queued. A job is skipped while another job of
// the same (batch, type, clip) is running.
func ClaimNextJob(ctx context.Context, db *sql.DB, types []model.JobType) (*model.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := toMillis(nowFunc())
	token := uuid.NewString()

	args := []any{string(model.JobRunning), token, now, now, string(model.JobQueued)}
	typeFilter := ""
	if len(types) > 0 {
		typeFilter = " AND j.type IN (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	args = append(args, string(model.JobRunning), string(model.JobQueued))

	row := db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = ?, claim_token = ?, claimed_at = ?, updated_at = ?
		 WHERE id = (
		     SELECT j.id FROM jobs j
		     WHERE j.status = ?`+typeFilter+`
		       AND NOT EXISTS (
		           SELECT 1 FROM jobs r
		           WHERE r.status = ?
		             AND r.batch_id = j.batch_id
		             AND r.type = j.type
		             AND IFNULL(r.clip_id, '') = IFNULL(j.clip_id, ''))
		     ORDER BY j.created_at, j.rowid
		     LIMIT 1)
		   AND status = ?
		 RETURNING `+jobColumns, args...)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// BatchPatch is a partial update of a batch applied on job completion.
type BatchPatch struct {
	// Status moves the batch when its current status allows the edge;
	// otherwise it is ignored.
	Status          model.BatchStatus
	ResearchPayload json.RawMessage
}

// Completion is everything a successful handler run commits atomically.
type Completion struct {
	Batch *BatchPatch
	Clips []ClipPatch
	Next  []NewJob
}

// CompleteJob commits a successful job run in one transaction: the job is
// marked done, the patches are applied and the next jobs are enqueued. The
// write is guarded by the claim token; ErrClaimLost means another worker (or
// the sweep) owns the job now and nothing was written. ErrBatchCancelled
// means the batch was cancelled and the result was discarded.
func CompleteJob(ctx context.Context, db *sql.DB, job *model.Job, c Completion) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if job == nil || job.ClaimToken == "" {
		return 0, errors.New("complete job: claimed job required")
	}
	enqueued := 0
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		now := nowFunc()

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = ?`, job.BatchID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("batch %s: %w", job.BatchID, ErrNotFound)
			}
			return fmt.Errorf("read batch status: %w", err)
		}
		if model.BatchStatus(status) == model.BatchCancelled {
			return ErrBatchCancelled
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET status = ?, finished_at = ?, updated_at = ?, claim_token = NULL
			 WHERE id = ? AND claim_token = ? AND status = ?`,
			string(model.JobDone), toMillis(now), toMillis(now),
			job.ID, job.ClaimToken, string(model.JobRunning))
		if err != nil {
			return fmt.Errorf("mark job done: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return ErrClaimLost
		}

		if c.Batch != nil {
			if len(c.Batch.ResearchPayload) > 0 {
				if err := setBatchResearch(ctx, tx, job.BatchID, c.Batch.ResearchPayload, now); err != nil {
					return err
				}
			}
			if c.Batch.Status != "" {
				if _, err := updateBatchStatus(ctx, tx, job.BatchID, c.Batch.Status, "", now); err != nil {
					return err
				}
			}
		}
		for _, p := range c.Clips {
			if _, err := applyClipPatch(ctx, tx, p, now); err != nil {
				return err
			}
		}
		for _, n := range c.Next {
			_, ok, err := insertJob(ctx, tx, n, now)
			if err != nil {
				return err
			}
			if ok {
				enqueued++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

// RequeueJob returns a failed attempt to the queue with attempts incremented.
func RequeueJob(ctx context.Context, db *sql.DB, job *model.Job, lastErr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if job == nil {
		return errors.New("requeue job: job required")
	}
	now := toMillis(nowFunc())
	res, err := db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, attempts = attempts + 1, last_error = ?, claim_token = NULL,
		     claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND status = ?`,
		string(model.JobQueued), nullString(lastErr), now,
		job.ID, job.ClaimToken, string(model.JobRunning))
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// JobFailure describes a terminal job failure and the clips it takes down.
type JobFailure struct {
	Error string
	// CountAttempt increments attempts. It is false when the job is failed
	// before running, e.g. because its attempts were already exhausted.
	CountAttempt bool
	// ClipIDs lists clips to fail explicitly.
	ClipIDs []string
	// AllBatchClips fails every non-terminal clip of the batch.
	AllBatchClips bool
	Clip          ClipFailure
}

// FailJob marks a claimed job failed and fails the affected clips in the
// same transaction. It returns the ids of clips that moved to failed.
func FailJob(ctx context.Context, db *sql.DB, job *model.Job, f JobFailure) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if job == nil {
		return nil, errors.New("fail job: job required")
	}
	var failed []string
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		now := nowFunc()
		inc := 0
		if f.CountAttempt {
			inc = 1
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET status = ?, attempts = attempts + ?, last_error = ?, claim_token = NULL,
			     finished_at = ?, updated_at = ?
			 WHERE id = ? AND claim_token = ? AND status = ?`,
			string(model.JobFailed), inc, nullString(f.Error), toMillis(now), toMillis(now),
			job.ID, job.ClaimToken, string(model.JobRunning))
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return ErrClaimLost
		}

		ids := f.ClipIDs
		if f.AllBatchClips {
			clips, err := listClips(ctx, tx, job.BatchID)
			if err != nil {
				return err
			}
			ids = ids[:0:0]
			for _, c := range clips {
				if !c.Status.IsTerminal() {
					ids = append(ids, c.ID)
				}
			}
		}
		for _, id := range ids {
			ok, err := failClip(ctx, tx, id, f.Clip, now)
			if err != nil {
				return err
			}
			if ok {
				failed = append(failed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ResetStuckJobs returns running jobs claimed before now-threshold to the
// queue. The abandoned attempt counts toward the retry ceiling. A second
// immediate call resets nothing.
func ResetStuckJobs(ctx context.Context, db *sql.DB, threshold time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if threshold <= 0 {
		return 0, fmt.Errorf("stuck threshold must be positive, got %s", threshold)
	}
	now := nowFunc()
	cutoff := toMillis(now.Add(-threshold))
	note := fmt.Sprintf("reset by stuck-job sweep (running longer than %s)", threshold)

	res, err := db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, attempts = attempts + 1, claim_token = NULL, claimed_at = NULL,
		     updated_at = ?,
		     last_error = CASE
		         WHEN last_error IS NULL OR last_error = '' THEN ?
		         ELSE last_error || ' | ' || ? END
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(model.JobQueued), toMillis(now), note, note,
		string(model.JobRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// CountJobsByStatus returns job counts keyed by status. An empty batchID
// counts every job.
func CountJobsByStatus(ctx context.Context, db *sql.DB, batchID string) (map[model.JobStatus]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` GROUP BY status`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[model.JobStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[model.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return out, nil
}
