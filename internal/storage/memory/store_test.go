package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

var _ job.Store = (*Store)(nil)

func TestStoreJobLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, err := s.CreateJob(ctx, job.Request{Platform: "twitter", Target: "@golang"})
	require.NoError(t, err)

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCreated, j.Status)
	assert.Equal(t, "@golang", j.Target)

	require.NoError(t, s.UpdateJobStatus(ctx, id, job.StatusRunning, nil))
	res := &job.Result{
		EndReason: extract.EndTargetReached,
		Counters:  job.Counters{ItemCount: 4},
		Attempts:  2,
	}
	require.NoError(t, s.UpdateJobStatus(ctx, id, job.StatusCompleted, res))

	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	require.NotNil(t, j.Result)
	assert.Equal(t, extract.EndTargetReached, j.Result.EndReason)
	assert.Equal(t, 4, j.Counters.ItemCount)
	assert.Equal(t, 2, j.Attempt)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.ErrorIs(t, s.UpdateJobStatus(ctx, "missing", job.StatusFailed, nil), types.ErrJobNotFound)
}

func TestStoreRecordsAreUniquePerPlatform(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.SaveRecords(ctx, "job-1", []extract.Record{
		{ID: "1", Platform: "twitter", Target: "@golang"},
		{ID: "2", Platform: "twitter", Target: "@golang"},
	}))
	require.NoError(t, s.SaveRecords(ctx, "job-2", []extract.Record{
		{ID: "2", Platform: "twitter", Target: "@golang"},
		{ID: "2", Platform: "youtube", Target: "@golang"},
		{ID: "3", Platform: "twitter", Target: "@rustlang"},
	}))

	ids, err := s.LoadPersistedIDs(ctx, "twitter", "@golang")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, ids)

	recs, err := s.ListRecords(ctx, "job-2", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "youtube", recs[0].Platform)

	recs, err = s.ListRecords(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStoreRecordSharedAcrossTargets(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.SaveRecords(ctx, "job-alice", []extract.Record{
		{ID: "111", Platform: "twitter", Target: "@alice"},
	}))

	rec := extract.Record{ID: "111", Platform: "twitter", Target: "list:42"}
	runs := []struct {
		jobID        string
		wantAccepted int
		wantDup      int
		wantSaved    int
	}{
		{jobID: "job-list-1", wantAccepted: 1, wantDup: 0, wantSaved: 1},
		{jobID: "job-list-2", wantAccepted: 0, wantDup: 1, wantSaved: 0},
	}
	for _, run := range runs {
		ids, err := s.LoadPersistedIDs(ctx, "twitter", "list:42")
		require.NoError(t, err)

		res := extract.Classify([]extract.Candidate{{Record: rec}}, extract.NewSeenSet(ids...), extract.NewSeenSet())
		assert.Len(t, res.Accepted, run.wantAccepted, run.jobID)
		assert.Equal(t, run.wantDup, res.DuplicateCount, run.jobID)

		require.NoError(t, s.SaveRecords(ctx, run.jobID, res.Accepted))
		saved, err := s.ListRecords(ctx, run.jobID, 0)
		require.NoError(t, err)
		assert.Len(t, saved, run.wantSaved, run.jobID)
	}

	ids, err := s.LoadPersistedIDs(ctx, "twitter", "@alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"111"}, ids)
}
