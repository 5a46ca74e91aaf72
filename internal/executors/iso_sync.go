package executors

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/registry"
	"github.com/proxpanel/bulkops/pkg/proxmox"
)

const defaultISOStorage = "local"

// ISOSync instructs each target cluster to pull an ISO image into one of its
// storages via the download-url API. Parameters:
//
//	url      (required) HTTP(S) source of the image
//	filename (optional) stored name, defaults to the URL's basename
//	storage  (optional) target storage id, defaults to "local"
type ISOSync struct {
	clusters   ClusterSource
	verifySSL  bool
	apiTimeout time.Duration
	newClient  clientFactory
}

// NewISOSync builds the iso_sync executor.
func NewISOSync(clusters ClusterSource, verifySSL bool, apiTimeout time.Duration) *ISOSync {
	return &ISOSync{
		clusters:   clusters,
		verifySSL:  verifySSL,
		apiTimeout: apiTimeout,
		newClient:  newAPIClient,
	}
}

// ValidateParams checks the submission body before any job is created.
func (e *ISOSync) ValidateParams(params bulkops.Params) error {
	raw := params["url"]
	if raw == "" {
		return fmt.Errorf("missing required parameter %q", "url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("parameter %q must be an http(s) URL", "url")
	}
	if isoFilename(params) == "" {
		return fmt.Errorf("cannot derive a filename from %q, pass %q explicitly", raw, "filename")
	}
	return nil
}

func (e *ISOSync) Execute(ctx context.Context, targetID int64, params bulkops.Params) bulkops.TargetResult {
	cluster, err := e.clusters.Get(ctx, targetID)
	if err != nil {
		return bulkops.FailedResult(targetID, "cluster lookup failed: "+err.Error())
	}

	client, err := e.newClient(cluster, e.verifySSL, e.apiTimeout)
	if err != nil {
		return bulkops.FailedResult(targetID, "client setup failed: "+err.Error())
	}

	storage := params["storage"]
	if storage == "" {
		storage = defaultISOStorage
	}
	filename := isoFilename(params)

	upid, err := client.DownloadURLToStorage(ctx, cluster.Node, storage, params["url"], filename, "iso")
	if err != nil {
		log.Warn().Err(err).Int64("cluster", targetID).Str("filename", filename).
			Msg("ISO download request rejected")
		return bulkops.FailedResult(targetID,
			"download request rejected: "+proxmox.SanitizeError(err.Error()))
	}

	if err := client.WaitForTask(ctx, cluster.Node, upid); err != nil {
		// The task was accepted by the node, so the storage may hold a
		// partial file. Say so instead of pretending nothing happened.
		log.Warn().Err(err).Int64("cluster", targetID).Str("upid", upid).
			Msg("ISO download task did not complete")
		return bulkops.FailedResult(targetID, fmt.Sprintf(
			"download task %s started but did not complete (storage %s may hold a partial file): %s",
			upid, storage, proxmox.SanitizeError(err.Error())))
	}

	volID := storage + ":iso/" + filename
	log.Info().Int64("cluster", targetID).Str("volid", volID).Msg("ISO synced")
	return bulkops.SuccessResult(targetID,
		fmt.Sprintf("synced %s to %s", filename, clusterLabel(cluster)), volID)
}

// isoFilename resolves the stored filename, falling back to the URL path.
func isoFilename(params bulkops.Params) string {
	if f := params["filename"]; f != "" {
		return f
	}
	u, err := url.Parse(params["url"])
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || !strings.Contains(base, ".") {
		return ""
	}
	return base
}

var _ ClusterSource = (*registry.Registry)(nil)
