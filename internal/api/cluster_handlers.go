package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/metrics"
	"github.com/proxpanel/bulkops/internal/registry"
	"github.com/proxpanel/bulkops/pkg/tlsutil"
)

const clustersPrefix = "/api/clusters/"

// ClusterHandlers serves the cluster registry CRUD plus the per-cluster
// connectivity test.
type ClusterHandlers struct {
	registry *registry.Registry
	// test probes one cluster's API and records the outcome.
	test bulkops.Executor
	// fetchFingerprint pins the cluster certificate on first registration
	// when no fingerprint was supplied (trust on first use).
	fetchFingerprint func(host string) (string, error)
}

// NewClusterHandlers creates handlers over the registry. test is the
// connectivity check executor.
func NewClusterHandlers(reg *registry.Registry, test bulkops.Executor) *ClusterHandlers {
	return &ClusterHandlers{
		registry:         reg,
		test:             test,
		fetchFingerprint: tlsutil.FetchFingerprint,
	}
}

// clusterRequest is the create/update body. The token secret is write-only;
// responses never echo it.
type clusterRequest struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Node        string `json:"node"`
	TokenID     string `json:"tokenId"`
	TokenSecret string `json:"tokenSecret"`
	Fingerprint string `json:"fingerprint"`
	SSHHost     string `json:"sshHost"`
	Active      *bool  `json:"active"`
}

func (h *ClusterHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.registry.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list clusters")
		writeError(w, http.StatusInternalServerError, "failed to list clusters")
		return
	}
	metrics.ClustersRegistered.Set(float64(len(clusters)))
	writeJSON(w, http.StatusOK, clusters)
}

func (h *ClusterHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterID(w, r)
	if !ok {
		return
	}
	cluster, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeRegistryError(w, err, "get cluster")
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (h *ClusterHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cluster := &registry.Cluster{
		Name:        req.Name,
		Host:        req.Host,
		Node:        req.Node,
		TokenID:     req.TokenID,
		TokenSecret: req.TokenSecret,
		Fingerprint: req.Fingerprint,
		SSHHost:     req.SSHHost,
		Active:      true,
	}
	if req.Active != nil {
		cluster.Active = *req.Active
	}

	if cluster.Fingerprint == "" && h.fetchFingerprint != nil {
		if fp, err := h.fetchFingerprint(cluster.Host); err == nil {
			cluster.Fingerprint = fp
			log.Info().Str("host", cluster.Host).Str("fingerprint", fp).
				Msg("Pinned cluster certificate on first registration")
		} else {
			log.Warn().Err(err).Str("host", cluster.Host).
				Msg("Could not pin cluster certificate, connections will rely on VERIFY_SSL")
		}
	}

	if err := h.registry.Create(r.Context(), cluster); err != nil {
		h.writeRegistryError(w, err, "create cluster")
		return
	}
	log.Info().Int64("cluster", cluster.ID).Str("name", cluster.Name).Msg("Cluster registered")
	writeJSON(w, http.StatusCreated, cluster)
}

func (h *ClusterHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterID(w, r)
	if !ok {
		return
	}

	existing, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeRegistryError(w, err, "get cluster")
		return
	}

	var req clusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Node != "" {
		existing.Node = req.Node
	}
	if req.TokenID != "" {
		existing.TokenID = req.TokenID
	}
	if req.TokenSecret != "" {
		existing.TokenSecret = req.TokenSecret
	}
	if req.Fingerprint != "" {
		existing.Fingerprint = req.Fingerprint
	}
	if req.SSHHost != "" {
		existing.SSHHost = req.SSHHost
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}

	if err := h.registry.Update(r.Context(), existing); err != nil {
		h.writeRegistryError(w, err, "update cluster")
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *ClusterHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterID(w, r)
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), id); err != nil {
		h.writeRegistryError(w, err, "delete cluster")
		return
	}
	log.Info().Int64("cluster", id).Msg("Cluster removed")
	w.WriteHeader(http.StatusNoContent)
}

// HandleTest handles POST /api/clusters/{id}/test: a synchronous
// connectivity probe that also updates the cluster's health columns.
func (h *ClusterHandlers) HandleTest(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/test") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, clustersPrefix), "/test")
	id, err := strconv.ParseInt(strings.TrimSuffix(raw, "/"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cluster id")
		return
	}

	result := h.test.Execute(r.Context(), id, nil)
	writeJSON(w, http.StatusOK, result)
}

func clusterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimPrefix(r.URL.Path, clustersPrefix)
	if raw == "" || strings.Contains(raw, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cluster id")
		return 0, false
	}
	return id, true
}

func (h *ClusterHandlers) writeRegistryError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown cluster id")
		return
	}
	if strings.Contains(err.Error(), "required") {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Error().Err(err).Str("op", op).Msg("Registry operation failed")
	writeError(w, http.StatusInternalServerError, op+" failed")
}
