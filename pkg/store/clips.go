package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/clipforge/pkg/model"
)

const clipColumns = `id, batch_id, slot, variant_label, status, ui_state, script_text, on_screen_text,
	provider_prompt, vo_url, video_url, final_url, image_prompt, image_type, aspect_ratio,
	image_url, winner, killed, error, error_class, charged_state, created_at, updated_at`

// InsertClips writes every clip of a batch in one transaction.
func InsertClips(ctx context.Context, db *sql.DB, clips []model.Clip) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(clips) == 0 {
		return nil
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		now := nowFunc()
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO clips (`+clipColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare clip insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range clips {
			c := &clips[i]
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			if c.UpdatedAt.IsZero() {
				c.UpdatedAt = c.CreatedAt
			}
			if c.ChargedState == "" {
				c.ChargedState = model.ChargedUnknown
			}
			cues, err := encodeCues(c.OnScreenText)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.BatchID, c.Slot, c.VariantLabel, string(c.Status), nullString(string(c.UIState)),
				nullString(c.ScriptText), cues, nullString(c.ProviderPrompt), nullString(c.VoiceURL),
				nullString(c.VideoURL), nullString(c.FinalURL), nullString(c.ImagePrompt),
				nullString(c.ImageType), nullString(c.AspectRatio), nullString(c.ImageURL),
				boolInt(c.Winner), boolInt(c.Killed), nullString(c.Error), nullString(string(c.ErrorClass)),
				string(c.ChargedState), toMillis(c.CreatedAt), toMillis(c.UpdatedAt)); err != nil {
				return fmt.Errorf("insert clip %s: %w", c.VariantLabel, err)
			}
		}
		return nil
	})
}

func encodeCues(cues []string) (sql.NullString, error) {
	if cues == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(cues)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode on-screen text: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanClip(row interface{ Scan(...any) error }) (*model.Clip, error) {
	var (
		c                                              model.Clip
		status                                         string
		uiState, script, cues, prompt, vo, video       sql.NullString
		final, imgPrompt, imgType, aspect, img, errTxt sql.NullString
		errClass                                       sql.NullString
		charged                                        string
		winner, killed                                 int
		createdAt, updatedAt                           int64
	)
	if err := row.Scan(&c.ID, &c.BatchID, &c.Slot, &c.VariantLabel, &status, &uiState, &script,
		&cues, &prompt, &vo, &video, &final, &imgPrompt, &imgType, &aspect, &img, &winner, &killed,
		&errTxt, &errClass, &charged, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = model.ClipStatus(status)
	c.UIState = model.ClipUIState(uiState.String)
	c.ScriptText = script.String
	if cues.Valid && cues.String != "" {
		if err := json.Unmarshal([]byte(cues.String), &c.OnScreenText); err != nil {
			return nil, fmt.Errorf("decode on-screen text: %w", err)
		}
	}
	c.ProviderPrompt = prompt.String
	c.VoiceURL = vo.String
	c.VideoURL = video.String
	c.FinalURL = final.String
	c.ImagePrompt = imgPrompt.String
	c.ImageType = imgType.String
	c.AspectRatio = aspect.String
	c.ImageURL = img.String
	c.Winner = winner != 0
	c.Killed = killed != 0
	c.Error = errTxt.String
	c.ErrorClass = model.FailureClass(errClass.String)
	c.ChargedState = model.ChargedState(charged)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func getClip(ctx context.Context, q execer, id string) (*model.Clip, error) {
	row := q.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE id = ?`, id)
	c, err := scanClip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("clip %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get clip: %w", err)
	}
	return c, nil
}

// GetClip returns the clip with the given id or ErrNotFound.
func GetClip(ctx context.Context, db *sql.DB, id string) (*model.Clip, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return getClip(ctx, db, id)
}

// ListClips returns the clips of a batch ordered by variant label.
func ListClips(ctx context.Context, db *sql.DB, batchID string) ([]model.Clip, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return listClips(ctx, db, batchID)
}

func listClips(ctx context.Context, q execer, batchID string) ([]model.Clip, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE batch_id = ? ORDER BY variant_label`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clips: %w", err)
	}
	return out, nil
}

// ClipPatch is a partial update of a clip. Empty fields are left unchanged;
// a nil OnScreenText is left unchanged.
type ClipPatch struct {
	ClipID         string
	Status         model.ClipStatus
	UIState        model.ClipUIState
	ScriptText     string
	OnScreenText   []string
	ProviderPrompt string
	VoiceURL       string
	VideoURL       string
	FinalURL       string
	ImagePrompt    string
	ImageType      string
	AspectRatio    string
	ImageURL       string
	ChargedState   model.ChargedState
}

// IsEmpty reports whether the patch changes nothing.
func (p ClipPatch) IsEmpty() bool {
	return p.Status == "" && p.UIState == "" && p.ScriptText == "" && p.OnScreenText == nil &&
		p.ProviderPrompt == "" && p.VoiceURL == "" && p.VideoURL == "" && p.FinalURL == "" &&
		p.ImagePrompt == "" && p.ImageType == "" && p.AspectRatio == "" && p.ImageURL == "" &&
		p.ChargedState == ""
}

// applyClipPatch updates a non-terminal clip. A clip that already reached
// ready or failed is not modified.
func applyClipPatch(ctx context.Context, q execer, p ClipPatch, now time.Time) (bool, error) {
	if p.ClipID == "" {
		return false, errors.New("clip patch without clip id")
	}
	if p.IsEmpty() {
		return false, nil
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != "" {
		set("status", string(p.Status))
	}
	if p.UIState != "" {
		set("ui_state", string(p.UIState))
	}
	if p.ScriptText != "" {
		set("script_text", p.ScriptText)
	}
	if p.OnScreenText != nil {
		cues, err := encodeCues(p.OnScreenText)
		if err != nil {
			return false, err
		}
		set("on_screen_text", cues)
	}
	for _, f := range []struct {
		col string
		val string
	}{
		{"provider_prompt", p.ProviderPrompt},
		{"vo_url", p.VoiceURL},
		{"video_url", p.VideoURL},
		{"final_url", p.FinalURL},
		{"image_prompt", p.ImagePrompt},
		{"image_type", p.ImageType},
		{"aspect_ratio", p.AspectRatio},
		{"image_url", p.ImageURL},
	} {
		if f.val != "" {
			set(f.col, f.val)
		}
	}
	if p.ChargedState != "" {
		set("charged_state", string(p.ChargedState))
	}
	set("updated_at", toMillis(now))
	args = append(args, p.ClipID, string(model.ClipReady), string(model.ClipFailed))

	res, err := q.ExecContext(ctx,
		`UPDATE clips SET `+strings.Join(sets, ", ")+`
		 WHERE id = ? AND status NOT IN (?, ?)`, args...)
	if err != nil {
		return false, fmt.Errorf("patch clip %s: %w", p.ClipID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ApplyClipPatch updates a non-terminal clip. It reports whether a row changed.
func ApplyClipPatch(ctx context.Context, db *sql.DB, p ClipPatch) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return applyClipPatch(ctx, db, p, nowFunc())
}

// UpdateClipProgress sets the status and UI state of a non-terminal clip.
func UpdateClipProgress(ctx context.Context, db *sql.DB, clipID string, status model.ClipStatus, ui model.ClipUIState) (bool, error) {
	return ApplyClipPatch(ctx, db, ClipPatch{ClipID: clipID, Status: status, UIState: ui})
}

// ClipFailure describes how a clip is marked failed.
type ClipFailure struct {
	UIState      model.ClipUIState
	Class        model.FailureClass
	ChargedState model.ChargedState
	Error        string
}

func failClip(ctx context.Context, q execer, clipID string, f ClipFailure, now time.Time) (bool, error) {
	ui := f.UIState
	if ui == "" {
		ui = model.UIFailedNotCharged
	}
	charged := f.ChargedState
	if charged == "" {
		charged = model.ChargedUnknown
	}
	res, err := q.ExecContext(ctx,
		`UPDATE clips
		 SET status = ?, ui_state = ?, error = ?, error_class = ?, charged_state = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(model.ClipFailed), string(ui), nullString(f.Error), nullString(string(f.Class)),
		string(charged), toMillis(now), clipID,
		string(model.ClipReady), string(model.ClipFailed))
	if err != nil {
		return false, fmt.Errorf("fail clip %s: %w", clipID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// FailClip marks a non-terminal clip failed. It reports whether the clip
// changed; a clip that is already terminal is left alone.
func FailClip(ctx context.Context, db *sql.DB, clipID string, f ClipFailure) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return failClip(ctx, db, clipID, f, nowFunc())
}

// SetReview records the user's review flags on a clip. Pipeline code never
// calls this.
func SetReview(ctx context.Context, db *sql.DB, clipID string, winner, killed bool) (*model.Clip, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var out *model.Clip
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE clips SET winner = ?, killed = ?, updated_at = ? WHERE id = ?`,
			boolInt(winner), boolInt(killed), toMillis(nowFunc()), clipID)
		if err != nil {
			return fmt.Errorf("set review: %w", err)
		}
		if err := requireOneRow(res, "clip", clipID); err != nil {
			return err
		}
		out, err = getClip(ctx, tx, clipID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
