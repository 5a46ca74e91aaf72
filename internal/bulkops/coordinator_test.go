package bulkops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitTerminal polls the store until the job reaches a terminal state.
func waitTerminal(t *testing.T, store *Store, id string) *BulkJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(id)
		require.NoError(t, err)
		if job.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func launchJob(t *testing.T, store *Store, coord *Coordinator, spec RunSpec) *BulkJob {
	t.Helper()
	store.Create(spec.Job)
	coord.Launch(context.Background(), spec)
	return waitTerminal(t, store, spec.Job.ID)
}

func TestCoordinatorAllTargetsSucceed(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 4)

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		return SuccessResult(targetID, "pushed", "")
	})

	job := NewJob(KindKeyBulkPush, nil, []int64{1, 2, 3})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	assert.Equal(t, JobCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Empty(t, final.Error)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	for _, r := range final.Results {
		assert.Equal(t, TargetSuccess, r.Status)
	}
}

// The ISO sync scenario from the contract: three targets, the middle one
// refuses the connection, and the job still completes with a mixed report.
func TestCoordinatorPartialFailureStillCompletes(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 4)

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		if targetID == 2 {
			return FailedResult(targetID, "connection refused")
		}
		return SuccessResult(targetID, "ISO copied", fmt.Sprintf("local:iso/debian-%d.iso", targetID))
	})

	job := NewJob(KindISOSync, nil, []int64{1, 2, 3})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	assert.Equal(t, JobCompleted, final.Status, "all attempted is success at the job level")
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, TargetSuccess, final.Results[0].Status)
	assert.Equal(t, TargetFailed, final.Results[1].Status)
	assert.Contains(t, final.Results[1].Message, "connection refused")
	assert.Empty(t, final.Results[1].ProducedArtifactID)
	assert.Equal(t, TargetSuccess, final.Results[2].Status)
	assert.NotEmpty(t, final.Results[2].ProducedArtifactID)
}

func TestCoordinatorPrepareFailureFailsJobBeforeTargets(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 1)

	var attempts int
	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		attempts++
		return SuccessResult(targetID, "pushed", "")
	})

	job := NewJob(KindKeyRotation, nil, []int64{1, 2})
	final := launchJob(t, store, coord, RunSpec{
		Job:      job,
		Executor: exec,
		Prepare: func(ctx context.Context) error {
			return errors.New("cannot persist new key material")
		},
		Sequential: true,
	})

	assert.Equal(t, JobFailed, final.Status)
	assert.Contains(t, final.Error, "cannot persist new key material")
	assert.Zero(t, attempts, "no target may be attempted after a precondition failure")
	for _, r := range final.Results {
		assert.Equal(t, TargetPending, r.Status, "results must stay as pending placeholders")
	}
}

func TestCoordinatorTargetTimeout(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, 30*time.Millisecond, 1)

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		<-ctx.Done()
		return FailedResult(targetID, ctx.Err().Error())
	})

	job := NewJob(KindISOSync, nil, []int64{7})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	assert.Equal(t, JobCompleted, final.Status, "a hung target must not stall the job")
	require.Len(t, final.Results, 1)
	assert.Equal(t, TargetFailed, final.Results[0].Status)
	assert.Contains(t, strings.ToLower(final.Results[0].Message), "timed out")
}

func TestCoordinatorExecutorPanicBecomesFailure(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 4)

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		if targetID == 1 {
			panic("boom")
		}
		return SuccessResult(targetID, "ok", "")
	})

	job := NewJob(KindISOSync, nil, []int64{1, 2})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	assert.Equal(t, JobCompleted, final.Status)
	assert.Equal(t, TargetFailed, final.Results[0].Status)
	assert.Contains(t, final.Results[0].Message, "internal error")
	assert.Equal(t, TargetSuccess, final.Results[1].Status)
}

func TestCoordinatorPendingExecutorResultRejected(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 1)

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		return PendingResult(targetID) // broken executor
	})

	job := NewJob(KindISOSync, nil, []int64{1})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	assert.Equal(t, JobCompleted, final.Status)
	assert.Equal(t, TargetFailed, final.Results[0].Status)
	assert.Contains(t, final.Results[0].Message, "no outcome")
}

func TestCoordinatorSequentialOrdering(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 8)

	var mu sync.Mutex
	var order []int64
	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		mu.Lock()
		order = append(order, targetID)
		mu.Unlock()
		return SuccessResult(targetID, "pushed", "")
	})

	job := NewJob(KindKeyBulkPush, nil, []int64{5, 3, 9, 1})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec, Sequential: true})

	assert.Equal(t, JobCompleted, final.Status)
	assert.Equal(t, []int64{5, 3, 9, 1}, order, "sequential jobs execute in submission order")
	// Result array order always reflects submission order, not completion order.
	for i, id := range []int64{5, 3, 9, 1} {
		assert.Equal(t, id, final.Results[i].TargetID)
	}
}

func TestCoordinatorConcurrentResultOrderMatchesSubmission(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, time.Second, 4)

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		// Later targets finish earlier.
		time.Sleep(time.Duration(20-targetID) * time.Millisecond)
		return SuccessResult(targetID, "ok", "")
	})

	job := NewJob(KindISOSync, nil, []int64{10, 11, 12})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	for i, id := range []int64{10, 11, 12} {
		assert.Equal(t, id, final.Results[i].TargetID)
		assert.Equal(t, TargetSuccess, final.Results[i].Status)
	}
}

func TestCoordinatorProgressMonotonic(t *testing.T) {
	store := NewStore()

	var mu sync.Mutex
	var observed []int
	notify := func(j *BulkJob) {
		mu.Lock()
		observed = append(observed, j.Progress)
		mu.Unlock()
	}
	coord := NewCoordinator(store, time.Second, 2, WithNotifier(notify))

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		time.Sleep(2 * time.Millisecond)
		return SuccessResult(targetID, "ok", "")
	})

	job := NewJob(KindISOSync, nil, []int64{1, 2, 3, 4})
	final := launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})
	assert.Equal(t, 100, final.Progress)

	mu.Lock()
	defer mu.Unlock()
	last := -1
	for _, p := range observed {
		assert.GreaterOrEqual(t, p, last, "progress must be monotonically non-decreasing")
		last = p
	}
	assert.Equal(t, 100, last)
}

func TestCoordinatorStatusTransitionsForwardOnly(t *testing.T) {
	store := NewStore()

	var mu sync.Mutex
	var statuses []JobStatus
	notify := func(j *BulkJob) {
		mu.Lock()
		statuses = append(statuses, j.Status)
		mu.Unlock()
	}
	coord := NewCoordinator(store, time.Second, 1, WithNotifier(notify))

	exec := ExecutorFunc(func(ctx context.Context, targetID int64, params Params) TargetResult {
		return SuccessResult(targetID, "ok", "")
	})

	job := NewJob(KindISOSync, nil, []int64{1, 2})
	launchJob(t, store, coord, RunSpec{Job: job, Executor: exec})

	rank := map[JobStatus]int{JobPending: 0, JobInProgress: 1, JobCompleted: 2, JobFailed: 2}
	mu.Lock()
	defer mu.Unlock()
	prev := 0
	for _, s := range statuses {
		r, ok := rank[s]
		require.True(t, ok, "unknown status %q", s)
		assert.GreaterOrEqual(t, r, prev, "status transition graph has no back-edges")
		prev = r
	}
}
