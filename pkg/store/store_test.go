package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/model"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

// withClock pins nowFunc for the duration of the test.
func withClock(t *testing.T, now *time.Time) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() time.Time { return *now }
	t.Cleanup(func() { nowFunc = prev })
}

func seedBatch(t *testing.T, db *sql.DB, userID string, count int) (*model.Batch, []model.Clip) {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{
		ID:              uuid.NewString(),
		UserID:          userID,
		Intent:          "coffee tips",
		Method:          "listicle",
		RequestedMethod: "auto",
		TestMode:        model.TestModeOff,
		VariantCount:    count,
		OutputKind:      model.OutputVideo,
		Status:          model.BatchRunning,
		QualityTier:     model.TierBalanced,
		BaseCostCents:   100,
		UserChargeCents: 300,
		PaymentStatus:   model.PaymentCharged,
	}
	require.NoError(t, InsertBatch(ctx, db, b))

	clips := make([]model.Clip, count)
	for i := range clips {
		clips[i] = model.Clip{
			ID:           uuid.NewString(),
			BatchID:      b.ID,
			Slot:         i,
			VariantLabel: model.VariantLabel(i),
			Status:       model.ClipPlanned,
			UIState:      model.UIQueued,
		}
	}
	require.NoError(t, InsertClips(ctx, db, clips))
	return b, clips
}

func TestOpen_RequiresPathOrURL(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "sub", "jobs.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "sub", "jobs.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "sub"))

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io?authToken=keep", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Contains(t, dsn, "authToken=keep")
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, Migrate(ctx, db))
	v, err := CurrentSchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestCurrentSchemaVersion_Unmigrated(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	v, err := CurrentSchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, Ping(context.Background(), db))
}

func TestOpen_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "clipforge.db")

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	b, _ := seedBatch(t, db, "u1", 1)
	require.NoError(t, db.Close())

	db2, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	got, err := GetBatch(ctx, db2, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Intent, got.Intent)
}

func TestOpen_ConcurrentFileOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clipforge.db")

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	const workers = 8
	b, clips := seedBatch(t, db, "u1", workers)
	for _, c := range clips {
		_, _, err := InsertJob(ctx, db, NewJob{BatchID: b.ID, ClipID: c.ID, Type: model.JobTTS})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		claimed = map[string]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := Open(ctx, Config{Path: path})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			defer func() { _ = conn.Close() }()

			job, err := ClaimNextJob(ctx, conn, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if job != nil {
				assert.False(t, claimed[job.ID], "job %s claimed twice", job.ID)
				claimed[job.ID] = true
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, claimed, workers)
}
