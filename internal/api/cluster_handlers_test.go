package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxpanel/bulkops/internal/registry"
)

func createCluster(t *testing.T, h *harness, name string) *registry.Cluster {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/clusters", map[string]interface{}{
		"name":        name,
		"host":        name + ".example.com",
		"node":        "pve1",
		"tokenId":     "panel@pve!bulkops",
		"tokenSecret": "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var cluster registry.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cluster))
	require.NotZero(t, cluster.ID)
	return &cluster
}

func TestClusterCreateNeverEchoesSecret(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/clusters", map[string]interface{}{
		"name":        "edge-1",
		"host":        "pve1.example.com",
		"tokenSecret": "super-secret-value",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-value")
}

func TestClusterCreatePinsFingerprintOnFirstUse(t *testing.T) {
	h := newHarness(t)

	created := createCluster(t, h, "edge-1")
	assert.Equal(t, "AA:BB:CC:DD", created.Fingerprint)

	// An explicit fingerprint wins over the fetched one.
	rec := h.do(t, http.MethodPost, "/api/clusters", map[string]interface{}{
		"name":        "edge-2",
		"host":        "edge-2.example.com",
		"fingerprint": "11:22:33",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cluster registry.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cluster))
	assert.Equal(t, "11:22:33", cluster.Fingerprint)
}

func TestClusterCreateValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/clusters", map[string]interface{}{"name": "no-host"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClusterGetAndList(t *testing.T) {
	h := newHarness(t)
	created := createCluster(t, h, "edge-1")
	createCluster(t, h, "edge-2")

	rec := h.do(t, http.MethodGet, "/api/clusters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var clusters []registry.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clusters))
	assert.Len(t, clusters, 2)

	rec = h.do(t, http.MethodGet, "/api/clusters/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got registry.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "edge-1", got.Name)
}

func TestClusterGetUnknownIs404(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/clusters/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/clusters/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClusterUpdatePartial(t *testing.T) {
	h := newHarness(t)
	created := createCluster(t, h, "edge-1")

	inactive := false
	rec := h.do(t, http.MethodPut, "/api/clusters/"+itoa(created.ID), map[string]interface{}{
		"name":   "edge-1-renamed",
		"active": &inactive,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated registry.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "edge-1-renamed", updated.Name)
	assert.False(t, updated.Active)
	// Untouched fields survive the partial update.
	assert.Equal(t, "edge-1.example.com", updated.Host)
}

func TestClusterDelete(t *testing.T) {
	h := newHarness(t)
	created := createCluster(t, h, "edge-1")

	rec := h.do(t, http.MethodDelete, "/api/clusters/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/clusters/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClusterTestEndpoint(t *testing.T) {
	h := newHarness(t)
	created := createCluster(t, h, "edge-1")

	rec := h.do(t, http.MethodPost, "/api/clusters/"+itoa(created.ID)+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reachable")

	rec = h.do(t, http.MethodPost, "/api/clusters/404/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")
}

func itoa(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}
