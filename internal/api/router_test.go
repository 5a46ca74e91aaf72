package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/config"
	"github.com/proxpanel/bulkops/internal/registry"
	"github.com/proxpanel/bulkops/internal/sshkeys"
)

// staticResolver serves a fixed target set, standing in for the SQLite
// registry in handler tests.
type staticResolver struct {
	targets []int64
}

func (r *staticResolver) ResolveTargets(_ context.Context, sourceID *int64, requested []int64) ([]int64, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	out := make([]int64, 0, len(requested))
	for _, id := range requested {
		if sourceID != nil && id == *sourceID {
			continue
		}
		for _, known := range r.targets {
			if id == known {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (r *staticResolver) ActiveTargetIDs(_ context.Context) ([]int64, error) {
	return append([]int64(nil), r.targets...), nil
}

type harness struct {
	router http.Handler
	store  *bulkops.Store
	keys   *sshkeys.Manager
	reg    *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := bulkops.NewStore()
	coordinator := bulkops.NewCoordinator(store, time.Second, 4)
	resolver := &staticResolver{targets: []int64{1, 2, 3}}

	keys := sshkeys.NewManager(t.TempDir(), time.Hour)
	require.NoError(t, keys.Ensure())

	okExecutor := bulkops.ExecutorFunc(func(_ context.Context, targetID int64, _ bulkops.Params) bulkops.TargetResult {
		return bulkops.SuccessResult(targetID, "done", "")
	})

	kinds := map[bulkops.Kind]bulkops.KindSpec{
		bulkops.KindISOSync: {
			Executor:      okExecutor,
			RequireSource: true,
			Validate: func(params bulkops.Params) error {
				if params["url"] == "" {
					return fmt.Errorf("missing required parameter %q", "url")
				}
				return nil
			},
		},
		bulkops.KindKeyBulkPush: {Executor: okExecutor},
		bulkops.KindKeyRotation: {
			Executor:   okExecutor,
			Sequential: true,
			FleetWide:  true,
			Prepare:    func(context.Context) error { return keys.Rotate() },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager := bulkops.NewManager(ctx, store, coordinator, resolver, kinds)

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	testExecutor := bulkops.ExecutorFunc(func(_ context.Context, targetID int64, _ bulkops.Params) bulkops.TargetResult {
		if targetID == 404 {
			return bulkops.FailedResult(targetID, "cluster lookup failed")
		}
		return bulkops.SuccessResult(targetID, "reachable", "")
	})

	clusterHandlers := NewClusterHandlers(reg, testExecutor)
	clusterHandlers.fetchFingerprint = func(string) (string, error) {
		return "AA:BB:CC:DD", nil
	}

	router := NewRouter(Deps{
		Config:      &config.Config{AllowedOrigins: "*"},
		Jobs:        NewJobHandlers(manager),
		Clusters:    clusterHandlers,
		Keys:        NewKeyHandlers(keys, manager),
		HealthCheck: reg.Ping,
	})

	return &harness{router: router, store: store, keys: keys, reg: reg}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) waitTerminal(t *testing.T, id string) *bulkops.BulkJob {
	t.Helper()
	var job *bulkops.BulkJob
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.Get(id)
		if err != nil {
			return false
		}
		return job.Status == bulkops.JobCompleted || job.Status == bulkops.JobFailed
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitAcceptedReturns202(t *testing.T) {
	h := newHarness(t)

	source := int64(1)
	rec := h.do(t, http.MethodPost, "/api/bulk-ops/iso_sync", bulkops.SubmitRequest{
		SourceID:  &source,
		TargetIDs: []int64{2, 3},
		Params:    bulkops.Params{"url": "https://cdn.example.com/a.iso"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["id"])

	job := h.waitTerminal(t, body["id"])
	assert.Equal(t, bulkops.JobCompleted, job.Status)
}

func TestSubmitUnknownKindIs400(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/bulk-ops/snapshot_prune", bulkops.SubmitRequest{
		TargetIDs: []int64{1},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.store.List(0), "validation failures must not create jobs")
}

func TestSubmitMissingParamsIs400(t *testing.T) {
	h := newHarness(t)

	source := int64(1)
	rec := h.do(t, http.MethodPost, "/api/bulk-ops/iso_sync", bulkops.SubmitRequest{
		SourceID:  &source,
		TargetIDs: []int64{2},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "url")
	assert.Empty(t, h.store.List(0))
}

func TestSubmitNoEligibleTargetsIs400(t *testing.T) {
	h := newHarness(t)

	source := int64(2)
	rec := h.do(t, http.MethodPost, "/api/bulk-ops/ssh_key_bulk_push", bulkops.SubmitRequest{
		SourceID:  &source,
		TargetIDs: []int64{2}, // source excluded, nothing left
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.store.List(0))
}

func TestSubmitMissingSourceIs400(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/bulk-ops/iso_sync", bulkops.SubmitRequest{
		TargetIDs: []int64{2},
		Params:    bulkops.Params{"url": "https://x/a.iso"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "sourceId")
}

func TestSubmitInvalidJSONIs400(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/bulk-ops/iso_sync", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownJobIs404(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/bulk-ops/01UNKNOWNJOBID", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollingTerminalJobIsByteIdentical(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/bulk-ops/ssh_key_bulk_push", bulkops.SubmitRequest{
		TargetIDs: []int64{1, 2, 3},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	h.waitTerminal(t, body["id"])

	first := h.do(t, http.MethodGet, "/api/bulk-ops/"+body["id"], nil)
	second := h.do(t, http.MethodGet, "/api/bulk-ops/"+body["id"], nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestListJobsNewestFirst(t *testing.T) {
	h := newHarness(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodPost, "/api/bulk-ops/ssh_key_bulk_push", bulkops.SubmitRequest{
			TargetIDs: []int64{1},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		ids = append(ids, body["id"])
		h.waitTerminal(t, body["id"])
	}

	rec := h.do(t, http.MethodGet, "/api/bulk-ops?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []bulkops.BulkJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodDelete, "/api/bulk-ops/some-id", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPreflightAndCORSHeaders(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodOptions, "/api/bulk-ops", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "panel-trace-42")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, "panel-trace-42", rec.Header().Get("X-Request-ID"))
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
