package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/sshkeys"
)

// KeyHandlers serves the SSH key status and rotation endpoints.
type KeyHandlers struct {
	keys    *sshkeys.Manager
	manager *bulkops.Manager
}

// NewKeyHandlers creates the key lifecycle handlers.
func NewKeyHandlers(keys *sshkeys.Manager, manager *bulkops.Manager) *KeyHandlers {
	return &KeyHandlers{keys: keys, manager: manager}
}

// HandleStatus handles GET /api/ssh-keys: fingerprint, age and expiry of the
// current key.
func (h *KeyHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.keys.Status()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read SSH key status")
		writeError(w, http.StatusInternalServerError, "failed to read key status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleRotate handles POST /api/ssh-keys/rotate: submits a fleet-wide
// ssh_key_rotation job. The new key is generated and the old pair backed up
// before any cluster is touched; the job's per-target results report which
// clusters received the new key.
func (h *KeyHandlers) HandleRotate(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Submit(r.Context(), string(bulkops.KindKeyRotation), bulkops.SubmitRequest{})
	if err != nil {
		if errors.Is(err, bulkops.ErrNoTargets) {
			writeError(w, http.StatusBadRequest, "no active clusters to rotate against")
			return
		}
		log.Error().Err(err).Msg("Key rotation submission failed")
		writeError(w, http.StatusInternalServerError, "rotation submission failed")
		return
	}

	log.Info().Str("job", job.ID).Int("targets", len(job.Results)).Msg("Key rotation started")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}
