// Package bulkops implements the cross-cluster bulk operation model: one
// submitted job fans out the same unit of work to many clusters, tracking a
// per-target outcome so partial failure is a normal, displayable result
// rather than an all-or-nothing error.
package bulkops

import (
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind discriminates the bulk operation families the panel submits.
type Kind string

const (
	KindISOSync     Kind = "iso_sync"
	KindKeyRotation Kind = "ssh_key_rotation"
	KindKeyBulkPush Kind = "ssh_key_bulk_push"
)

// ParseKind validates a kind string from the submission URL.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindISOSync, KindKeyRotation, KindKeyBulkPush:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// JobStatus is the job-level state. Transitions only move forward:
// pending -> in_progress -> {completed, failed}.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// TargetStatus is the per-target state: pending -> {success, failed}.
type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSuccess TargetStatus = "success"
	TargetFailed  TargetStatus = "failed"
)

// TargetResult records the outcome of one unit of work against one cluster.
// Build terminal results with SuccessResult/FailedResult so a failure never
// carries an artifact id and a result is never left half-filled.
type TargetResult struct {
	TargetID           int64        `json:"targetId"`
	Status             TargetStatus `json:"status"`
	Message            string       `json:"message,omitempty"`
	ProducedArtifactID string       `json:"producedArtifactId,omitempty"`
}

// PendingResult is the placeholder stored at submission for every target.
func PendingResult(targetID int64) TargetResult {
	return TargetResult{TargetID: targetID, Status: TargetPending}
}

// SuccessResult marks a target done. artifactID identifies anything created
// on the target (for ISO sync, the new volume id) and may be empty.
func SuccessResult(targetID int64, message, artifactID string) TargetResult {
	return TargetResult{
		TargetID:           targetID,
		Status:             TargetSuccess,
		Message:            message,
		ProducedArtifactID: artifactID,
	}
}

// FailedResult marks a target failed with a short diagnostic.
func FailedResult(targetID int64, message string) TargetResult {
	return TargetResult{
		TargetID: targetID,
		Status:   TargetFailed,
		Message:  message,
	}
}

// Terminal reports whether the result has reached success or failure.
func (r TargetResult) Terminal() bool {
	return r.Status == TargetSuccess || r.Status == TargetFailed
}

// BulkJob is one submitted bulk operation, tracked by id until terminal and
// retained afterwards for inspection. The target set is fixed at submission;
// results are mutated in place by the coordinator as targets resolve.
type BulkJob struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	SourceID    *int64         `json:"sourceId,omitempty"`
	Results     []TargetResult `json:"results"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewJob creates a pending job with one pending placeholder per target,
// preserving target submission order.
func NewJob(kind Kind, sourceID *int64, targetIDs []int64) *BulkJob {
	results := make([]TargetResult, len(targetIDs))
	for i, id := range targetIDs {
		results[i] = PendingResult(id)
	}
	return &BulkJob{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Status:    JobPending,
		SourceID:  sourceID,
		Results:   results,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the job has reached a final state.
func (j *BulkJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Clone deep-copies the job so readers never share the results slice with
// the coordinator.
func (j *BulkJob) Clone() *BulkJob {
	cp := *j
	cp.Results = make([]TargetResult, len(j.Results))
	copy(cp.Results, j.Results)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// recomputeProgress derives progress from the results array. Progress is
// never incremented independently, so it cannot drift from the actual
// completion count.
func (j *BulkJob) recomputeProgress() {
	if len(j.Results) == 0 {
		return
	}
	done := 0
	for _, r := range j.Results {
		if r.Terminal() {
			done++
		}
	}
	j.Progress = int(math.Round(100 * float64(done) / float64(len(j.Results))))
}
