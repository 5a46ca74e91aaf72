package bulkops

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when a job id is unknown (expired or never
	// existed). Pollers must stop on it rather than retry.
	ErrNotFound = errors.New("bulk job not found")

	// ErrUnknownKind is returned for a submission with an unrecognized kind.
	ErrUnknownKind = errors.New("unknown bulk operation kind")

	// ErrNoTargets is returned when target resolution yields an empty set.
	ErrNoTargets = errors.New("no eligible targets")
)

// Store holds job records in memory, keyed by id. The coordinator is the
// sole writer for a given job; pollers are pure readers. Jobs do not survive
// a process restart — a restart mid-job is an accepted loss, the frontend
// re-polls and stops receiving updates.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*BulkJob
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*BulkJob)}
}

// Create registers a freshly submitted job.
func (s *Store) Create(job *BulkJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// Get returns a deep-copied snapshot of a job, so a concurrent coordinator
// update can never expose a torn result to the reader.
func (s *Store) Get(id string) (*BulkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of up to limit jobs, newest first. limit <= 0 means
// all jobs.
func (s *Store) List(limit int) []*BulkJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*BulkJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Update applies one mutation to a job under the store lock. Each per-target
// result update goes through here as a single atomic replace, and progress is
// recomputed in the same critical section.
func (s *Store) Update(id string, mutate func(*BulkJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mutate(job)
	job.recomputeProgress()
	return nil
}

// StartRetention sweeps terminal jobs older than retention every interval
// until ctx is cancelled. In-flight jobs are never removed.
func (s *Store) StartRetention(ctx context.Context, retention, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.sweep(time.Now().Add(-retention))
				if removed > 0 {
					log.Debug().Int("removed", removed).Msg("Swept expired bulk jobs")
				}
			}
		}
	}()
}

func (s *Store) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if !job.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
