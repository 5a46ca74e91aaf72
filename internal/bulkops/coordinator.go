package bulkops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Params carries operation parameters from the submission body to the
// executor (e.g. destination storage and node names for ISO sync).
type Params map[string]string

// Executor performs exactly one unit of remote work against one target and
// translates any failure into a structured result. Implementations must not
// return a pending result and must not panic past this boundary; the
// coordinator defends against both.
type Executor interface {
	Execute(ctx context.Context, targetID int64, params Params) TargetResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, targetID int64, params Params) TargetResult

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, targetID int64, params Params) TargetResult {
	return f(ctx, targetID, params)
}

// RunSpec describes one job execution for the coordinator.
type RunSpec struct {
	Job      *BulkJob
	Executor Executor
	Params   Params

	// Prepare runs before any target is attempted. A Prepare error fails the
	// whole job and leaves the per-target placeholders untouched. Key
	// rotation uses it to generate and durably back up new key material, so
	// a rollback path exists even if every push fails.
	Prepare func(ctx context.Context) error

	// Sequential forces one-target-at-a-time execution. Required for key
	// pushes after rotation; independent fan-out (ISO sync) runs under the
	// configured concurrency bound.
	Sequential bool
}

// Metric hooks, wired up at startup (see cmd/bulkopsd). Nil hooks are skipped.
var (
	metricsMu        sync.RWMutex
	onJobStarted     func(kind string)
	onTargetResolved func(kind, outcome string)
	onJobFinished    func(kind, status string, duration time.Duration)
)

// SetMetricHooks registers callbacks invoked on job lifecycle events.
func SetMetricHooks(started func(kind string), targetResolved func(kind, outcome string), finished func(kind, status string, duration time.Duration)) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	onJobStarted = started
	onTargetResolved = targetResolved
	onJobFinished = finished
}

// Coordinator fans one job out across its targets and keeps the job record
// consistent in the store. It is the sole writer for the jobs it runs.
type Coordinator struct {
	store         *Store
	targetTimeout time.Duration
	concurrency   int64
	notify        func(*BulkJob)
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNotifier registers a callback receiving a job snapshot after every
// store update. Used for the WebSocket feed; the polling contract does not
// depend on it.
func WithNotifier(notify func(*BulkJob)) CoordinatorOption {
	return func(c *Coordinator) { c.notify = notify }
}

// NewCoordinator creates a coordinator. targetTimeout bounds each per-target
// execution so one unreachable cluster cannot stall the job; concurrency
// bounds parallel targets for non-sequential kinds.
func NewCoordinator(store *Store, targetTimeout time.Duration, concurrency int, opts ...CoordinatorOption) *Coordinator {
	if targetTimeout <= 0 {
		targetTimeout = 45 * time.Second
	}
	if concurrency < 1 {
		concurrency = 1
	}
	c := &Coordinator{
		store:         store,
		targetTimeout: targetTimeout,
		concurrency:   int64(concurrency),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Launch transitions the job to in_progress and starts the fan-out in the
// background. The job must already be in the store with pending placeholders
// for every target. Once launched, a job runs to completion across all
// targets; there is no cancel operation in the external contract.
func (c *Coordinator) Launch(ctx context.Context, spec RunSpec) {
	now := time.Now().UTC()
	if err := c.store.Update(spec.Job.ID, func(j *BulkJob) {
		j.Status = JobInProgress
		j.StartedAt = &now
	}); err != nil {
		log.Error().Err(err).Str("job", spec.Job.ID).Msg("Failed to mark job in progress")
		return
	}
	c.publish(spec.Job.ID)
	c.recordStarted(spec.Job.Kind)

	go c.run(ctx, spec)
}

func (c *Coordinator) run(ctx context.Context, spec RunSpec) {
	jobID := spec.Job.ID
	kind := spec.Job.Kind
	started := time.Now()

	if spec.Prepare != nil {
		if err := spec.Prepare(ctx); err != nil {
			log.Error().Err(err).
				Str("job", jobID).
				Str("kind", string(kind)).
				Msg("Bulk job precondition failed before any target was attempted")
			c.finish(jobID, kind, JobFailed, err.Error(), started)
			return
		}
	}

	targets := make([]int64, len(spec.Job.Results))
	for i, r := range spec.Job.Results {
		targets[i] = r.TargetID
	}

	if spec.Sequential || c.concurrency == 1 {
		for i, targetID := range targets {
			c.executeTarget(ctx, spec, i, targetID)
		}
	} else {
		sem := semaphore.NewWeighted(c.concurrency)
		var wg sync.WaitGroup
		for i, targetID := range targets {
			wg.Add(1)
			go func(i int, targetID int64) {
				defer wg.Done()
				// Acquire only fails when ctx is cancelled; record the
				// target as failed rather than leaving it pending forever.
				if err := sem.Acquire(ctx, 1); err != nil {
					c.storeResult(jobID, kind, i, FailedResult(targetID, "cancelled before execution: "+err.Error()))
					return
				}
				defer sem.Release(1)
				c.executeTarget(ctx, spec, i, targetID)
			}(i, targetID)
		}
		wg.Wait()
	}

	c.finish(jobID, kind, JobCompleted, "", started)
}

// executeTarget runs one target under the per-target timeout and stores the
// outcome. Executor panics and pending returns are converted to failures so
// sibling targets always proceed.
func (c *Coordinator) executeTarget(ctx context.Context, spec RunSpec, index int, targetID int64) {
	tctx, cancel := context.WithTimeout(ctx, c.targetTimeout)
	defer cancel()

	result := c.safeExecute(tctx, spec.Executor, targetID, spec.Params)

	switch {
	case result.Status == TargetPending:
		result = FailedResult(targetID, "executor returned no outcome")
	case result.TargetID == 0:
		result.TargetID = targetID
	}
	if result.Status == TargetFailed && errors.Is(tctx.Err(), context.DeadlineExceeded) && !strings.Contains(strings.ToLower(result.Message), "timed out") {
		result.Message = fmt.Sprintf("timed out after %s: %s", c.targetTimeout, result.Message)
	}

	c.storeResult(spec.Job.ID, spec.Job.Kind, index, result)
}

func (c *Coordinator) safeExecute(ctx context.Context, exec Executor, targetID int64, params Params) (result TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int64("target", targetID).
				Interface("panic", r).
				Msg("Executor panicked")
			result = FailedResult(targetID, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return exec.Execute(ctx, targetID, params)
}

func (c *Coordinator) storeResult(jobID string, kind Kind, index int, result TargetResult) {
	if err := c.store.Update(jobID, func(j *BulkJob) {
		j.Results[index] = result
	}); err != nil {
		log.Error().Err(err).Str("job", jobID).Msg("Failed to store target result")
		return
	}
	c.publish(jobID)
	c.recordTarget(kind, string(result.Status))

	log.Debug().
		Str("job", jobID).
		Int64("target", result.TargetID).
		Str("status", string(result.Status)).
		Str("message", result.Message).
		Msg("Target resolved")
}

func (c *Coordinator) finish(jobID string, kind Kind, status JobStatus, errMsg string, started time.Time) {
	now := time.Now().UTC()
	if err := c.store.Update(jobID, func(j *BulkJob) {
		j.Status = status
		j.CompletedAt = &now
		if errMsg != "" {
			j.Error = errMsg
		}
	}); err != nil {
		log.Error().Err(err).Str("job", jobID).Msg("Failed to finalize job")
		return
	}
	c.publish(jobID)
	c.recordFinished(kind, string(status), time.Since(started))

	log.Info().
		Str("job", jobID).
		Str("kind", string(kind)).
		Str("status", string(status)).
		Dur("duration", time.Since(started)).
		Msg("Bulk job finished")
}

func (c *Coordinator) publish(jobID string) {
	if c.notify == nil {
		return
	}
	if job, err := c.store.Get(jobID); err == nil {
		c.notify(job)
	}
}

func (c *Coordinator) recordStarted(kind Kind) {
	metricsMu.RLock()
	hook := onJobStarted
	metricsMu.RUnlock()
	if hook != nil {
		hook(string(kind))
	}
}

func (c *Coordinator) recordTarget(kind Kind, outcome string) {
	metricsMu.RLock()
	hook := onTargetResolved
	metricsMu.RUnlock()
	if hook != nil {
		hook(string(kind), outcome)
	}
}

func (c *Coordinator) recordFinished(kind Kind, status string, duration time.Duration) {
	metricsMu.RLock()
	hook := onJobFinished
	metricsMu.RUnlock()
	if hook != nil {
		hook(string(kind), status, duration)
	}
}
