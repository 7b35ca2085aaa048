package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

var _ job.Store = (*Store)(nil)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestNewStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordsKeyedByTarget(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("PRIMARY KEY (platform, target, record_id)")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (platform, target, record_id) DO NOTHING")).
		WithArgs("twitter", "111", "list:42", "job-1", "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveRecords(context.Background(), "job-1", []extract.Record{
		{ID: "111", Platform: "twitter", Target: "list:42", ExtractedAt: now},
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			pgxmock.AnyArg(),
			"twitter",
			"golang",
			[]byte(`{"targetCount":10}`),
			"created",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.CreateJob(context.Background(), job.Request{
		Platform: "twitter",
		Target:   "golang",
		Options:  types.JobOptions{TargetCount: 10},
	})
	require.NoError(t, err)
	require.Len(t, id, 36)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobPropagatesError(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := store.CreateJob(context.Background(), job.Request{Platform: "twitter", Target: "golang"})
	require.ErrorContains(t, err, "insert job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatus(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs("completed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateJobStatus(context.Background(), "job-1", job.StatusCompleted, &job.Result{
		EndReason: extract.EndTargetReached,
		Attempts:  1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusUnknownJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJobStatus(context.Background(), "missing", job.StatusRunning, nil)
	require.ErrorIs(t, err, types.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	created := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{"id", "platform", "target", "options", "status", "attempt", "result", "created_at", "updated_at"}).
		AddRow(
			"job-1", "youtube", "UC123",
			[]byte(`{"targetCount":5}`),
			"completed",
			2,
			[]byte(`{"endReason":"TARGET_REACHED","counters":{"itemCount":5},"attempts":2}`),
			created, created.Add(time.Minute),
		)
	mock.ExpectQuery("SELECT id, platform, target").
		WithArgs("job-1").
		WillReturnRows(rows)

	j, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "youtube", j.Platform)
	require.Equal(t, job.StatusCompleted, j.Status)
	require.Equal(t, 2, j.Attempt)
	require.Equal(t, 5, j.Options.TargetCount)
	require.NotNil(t, j.Result)
	require.Equal(t, extract.EndTargetReached, j.Result.EndReason)
	require.Equal(t, 5, j.Counters.ItemCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, platform, target").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPersistedIDs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT record_id FROM records").
		WithArgs("twitter", "golang").
		WillReturnRows(mock.NewRows([]string{"record_id"}).AddRow("1").AddRow("2"))

	ids, err := store.LoadPersistedIDs(context.Background(), "twitter", "golang")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsCommits(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	records := []extract.Record{
		{ID: "1", Platform: "twitter", Target: "golang", Text: "hello", ExtractedAt: now},
		{ID: "2", Platform: "twitter", Target: "golang", Fields: map[string]string{"likes": "3"}, ExtractedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO records").
		WithArgs("twitter", "1", "golang", "job-1", "", "", "hello", pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO records").
		WithArgs("twitter", "2", "golang", "job-1", "", "", "", pgxmock.AnyArg(), []byte(`{"likes":"3"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	require.NoError(t, store.SaveRecords(context.Background(), "job-1", records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsRollsBackOnError(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.SaveRecords(context.Background(), "job-1", []extract.Record{{ID: "1", Platform: "twitter"}})
	require.ErrorContains(t, err, "insert record 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsEmptyIsNoop(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	require.NoError(t, store.SaveRecords(context.Background(), "job-1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecords(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	published := now.Add(-time.Hour)
	rows := mock.NewRows([]string{"record_id", "platform", "target", "url", "author", "text", "published_at", "fields", "extracted_at"}).
		AddRow("1", "twitter", "golang", "https://x.com/a/status/1", "a", "hi", &published, []byte(`{"likes":"3"}`), now)
	mock.ExpectQuery("SELECT record_id, platform, target").
		WithArgs("job-1", 10).
		WillReturnRows(rows)

	recs, err := store.ListRecords(context.Background(), "job-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "hi", recs[0].Text)
	require.Equal(t, "3", recs[0].Fields["likes"])
	require.NotNil(t, recs[0].PublishedAt)
	require.True(t, recs[0].PublishedAt.Equal(published))
	require.NoError(t, mock.ExpectationsWereMet())
}
