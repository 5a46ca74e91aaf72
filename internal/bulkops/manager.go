package bulkops

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidRequest marks submission bodies rejected before a job is
// created. Handlers map it to a 400.
var ErrInvalidRequest = errors.New("invalid request")

// TargetResolver produces the eligible target set for a submission. The
// SQLite cluster registry implements it.
type TargetResolver interface {
	// ResolveTargets filters the requested ids down to known, active
	// clusters, excluding sourceID when present. Order follows the request.
	ResolveTargets(ctx context.Context, sourceID *int64, requested []int64) ([]int64, error)
	// ActiveTargetIDs lists every active cluster, for operations that
	// target the whole fleet (key rotation).
	ActiveTargetIDs(ctx context.Context) ([]int64, error)
}

// KindSpec binds a job kind to its executor and execution policy.
type KindSpec struct {
	Executor   Executor
	Sequential bool

	// Prepare, when set, runs before any target is attempted and fails the
	// whole job on error.
	Prepare func(ctx context.Context) error

	// FleetWide ignores the requested target list and fans out to all
	// active clusters.
	FleetWide bool

	// RequireSource rejects submissions without a sourceId (copy-from-X
	// operations need somewhere to copy from).
	RequireSource bool

	// Validate, when set, checks the submission parameters. Failures are
	// synchronous and never create a job.
	Validate func(params Params) error
}

// SubmitRequest is the decoded POST /api/bulk-ops/{kind} body.
type SubmitRequest struct {
	SourceID  *int64  `json:"sourceId,omitempty"`
	TargetIDs []int64 `json:"targetIds,omitempty"`
	Params    Params  `json:"params,omitempty"`
}

// Manager validates submissions, creates job records, and hands them to the
// coordinator. Validation failures happen synchronously and never create a
// job.
type Manager struct {
	runCtx      context.Context
	store       *Store
	coordinator *Coordinator
	resolver    TargetResolver
	kinds       map[Kind]KindSpec
}

// NewManager wires the bulk operation kinds. Unregistered kinds are rejected
// at submission. runCtx bounds job execution to the process lifetime; jobs
// must not die with the HTTP request that submitted them.
func NewManager(runCtx context.Context, store *Store, coordinator *Coordinator, resolver TargetResolver, kinds map[Kind]KindSpec) *Manager {
	return &Manager{
		runCtx:      runCtx,
		store:       store,
		coordinator: coordinator,
		resolver:    resolver,
		kinds:       kinds,
	}
}

// Store exposes the underlying job store for read handlers.
func (m *Manager) Store() *Store {
	return m.store
}

// Submit validates and launches one bulk job, returning its initial record.
func (m *Manager) Submit(ctx context.Context, kindName string, req SubmitRequest) (*BulkJob, error) {
	kind, err := ParseKind(kindName)
	if err != nil {
		return nil, err
	}
	spec, ok := m.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q not enabled", ErrUnknownKind, kindName)
	}

	if spec.RequireSource && req.SourceID == nil {
		return nil, fmt.Errorf("%w: sourceId is required for %s", ErrInvalidRequest, kind)
	}
	if spec.Validate != nil {
		if err := spec.Validate(req.Params); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
	}

	var targets []int64
	if spec.FleetWide {
		targets, err = m.resolver.ActiveTargetIDs(ctx)
	} else {
		targets, err = m.resolver.ResolveTargets(ctx, req.SourceID, req.TargetIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	job := NewJob(kind, req.SourceID, targets)
	m.store.Create(job)

	m.coordinator.Launch(m.runCtx, RunSpec{
		Job:        job,
		Executor:   spec.Executor,
		Params:     req.Params,
		Prepare:    spec.Prepare,
		Sequential: spec.Sequential,
	})

	snapshot, err := m.store.Get(job.ID)
	if err != nil {
		// The job was just created; a miss here means the retention sweep
		// removed it, which cannot happen for in-flight jobs.
		return job, nil
	}
	return snapshot, nil
}
