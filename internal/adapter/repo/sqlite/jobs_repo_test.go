package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/openclaw/internal/domain"
)

func newTestRepo(t *testing.T) *JobRepo {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewJobRepo(db)
}

func strp(s string) *string { return &s }

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	db, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	j, err := r.Create(ctx, "ping", "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, "ping", j.Command)
	assert.Equal(t, "hello", j.Payload)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.LeaseUntil)
	assert.Nil(t, j.WorkerID)
	assert.Nil(t, j.Result)
	assert.Nil(t, j.Error)
	assert.Nil(t, j.FinishedAt)

	got, err := r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, got)
}

func TestGetUnknownJob(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimEmptyQueue(t *testing.T) {
	r := newTestRepo(t)
	j, err := r.Claim(context.Background(), "w1", nil, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimSetsRunningState(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "ping", "hello", nil)
	require.NoError(t, err)

	j, err := r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, created.ID, j.ID)
	assert.Equal(t, domain.JobRunning, j.Status)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.LeaseUntil)
	require.NotNil(t, j.WorkerID)
	assert.Equal(t, "w1", *j.WorkerID)
	assert.Equal(t, *j.StartedAt+60, *j.LeaseUntil)
	assert.Nil(t, j.Result)
	assert.Nil(t, j.FinishedAt)
}

func TestClaimWithoutWorkerIDStoresNull(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)
	j, err := r.Claim(ctx, "  ", nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Nil(t, j.WorkerID)
}

func TestClaimFIFOOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	var ids []string
	ts := int64(1000)
	r.now = func() int64 { ts++; return ts }
	for i := 0; i < 3; i++ {
		j, err := r.Create(ctx, "ping", "p", nil)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	for i := 0; i < 3; i++ {
		j, err := r.Claim(ctx, "w1", nil, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, ids[i], j.ID)
		_, err = r.Finish(ctx, j.ID, "ok")
		require.NoError(t, err)
	}
}

func TestClaimOnlyOneWinner(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)

	first, err := r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := r.Claim(ctx, "w2", nil, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimRequeuesStaleLease(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)

	j, err := r.Claim(ctx, "A", nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)

	// Force the lease into the past.
	require.NoError(t, r.SetLease(ctx, created.ID, 0))

	j2, err := r.Claim(ctx, "B", nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, created.ID, j2.ID)
	require.NotNil(t, j2.WorkerID)
	assert.Equal(t, "B", *j2.WorkerID)
	assert.Equal(t, domain.JobRunning, j2.Status)
}

func TestClaimCapabilityRouting(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "llm_task", "{}", strp(`{"caps":["llm:vllm"]}`))
	require.NoError(t, err)

	j, err := r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j, "worker without caps must not claim")

	j, err = r.Claim(ctx, "w1", []string{"llm:vllm"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, created.ID, j.ID)
}

func TestClaimSkipsUnservableJob(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	ts := int64(1000)
	r.now = func() int64 { ts++; return ts }
	_, err := r.Create(ctx, "llm_task", "{}", strp(`{"caps":["llm:vllm"]}`))
	require.NoError(t, err)
	plain, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)

	// The older job requires caps this worker lacks; the first match wins.
	j, err := r.Claim(ctx, "w1", []string{"repo_tools"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, plain.ID, j.ID)
}

func TestClaimTreatsInvalidRequiresAsNone(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Create(ctx, "ping", "x", strp("{not json"))
	require.NoError(t, err)
	j, err := r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestFinishHappyPathAndIdempotence(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "ping", "hello", nil)
	require.NoError(t, err)
	_, err = r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)

	out, err := r.Finish(ctx, created.ID, "pong: hello")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, out.Status)
	assert.Empty(t, out.Note)

	first, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, first.Status)
	require.NotNil(t, first.Result)
	assert.Equal(t, "pong: hello", *first.Result)
	assert.Nil(t, first.LeaseUntil)
	require.NotNil(t, first.FinishedAt)
	require.NotNil(t, first.StartedAt)
	assert.GreaterOrEqual(t, *first.FinishedAt, *first.StartedAt)
	assert.GreaterOrEqual(t, *first.StartedAt, first.CreatedAt)

	// Second post: 200, record byte-identical.
	out, err = r.Finish(ctx, created.ID, "pong: hello")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, out.Status)
	second, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFinishOnQueuedRejected(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)
	_, err = r.Finish(ctx, created.ID, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFinishUnknownJob(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Finish(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailFromRunningAndQueued(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	queued, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)
	out, err := r.Fail(ctx, queued.ID, "pre-claim failure")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, out.Status)

	running, err := r.Create(ctx, "ping", "y", nil)
	require.NoError(t, err)
	_, err = r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	out, err = r.Fail(ctx, running.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, out.Status)
	got, err := r.Get(ctx, running.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "unknown", *got.Error)
	assert.Nil(t, got.LeaseUntil)
}

func TestFinishConsistentUnderConcurrentRequeue(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// Race a lease-expiry requeue (plus reclaim) against Finish. Whatever
	// interleaving wins, the reported outcome must match the stored row:
	// a successful Finish always leaves the row done with its result.
	for i := 0; i < 25; i++ {
		created, err := r.Create(ctx, "ping", "x", nil)
		require.NoError(t, err)
		j, err := r.Claim(ctx, "A", nil, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j)

		raced := make(chan struct{})
		go func() {
			_ = r.SetLease(ctx, created.ID, 0)
			_, _ = r.Claim(ctx, "B", nil, time.Minute)
			close(raced)
		}()

		out, err := r.Finish(ctx, created.ID, "pong: x")
		<-raced

		got, gerr := r.Get(ctx, created.ID)
		require.NoError(t, gerr)
		if err == nil {
			assert.Equal(t, domain.JobDone, out.Status)
			assert.Equal(t, domain.JobDone, got.Status)
			require.NotNil(t, got.Result)
			assert.Equal(t, "pong: x", *got.Result)
		} else {
			// The requeue won while the row was queued; Finish must refuse
			// rather than report done against a row it did not update.
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.NotEqual(t, domain.JobDone, got.Status)
		}
	}
}

func TestFailOnDoneIgnoredWithNote(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)
	_, err = r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	_, err = r.Finish(ctx, created.ID, "ok")
	require.NoError(t, err)

	before, err := r.Get(ctx, created.ID)
	require.NoError(t, err)

	out, err := r.Fail(ctx, created.ID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, out.Status)
	assert.Equal(t, "already done; fail ignored", out.Note)

	after, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResultOnFailedIgnoredWithNote(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.Create(ctx, "ping", "x", nil)
	require.NoError(t, err)
	_, err = r.Claim(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	_, err = r.Fail(ctx, created.ID, "boom")
	require.NoError(t, err)

	out, err := r.Finish(ctx, created.ID, "too late")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, out.Status)
	assert.Equal(t, "already failed; result ignored", out.Note)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Result)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)
}
