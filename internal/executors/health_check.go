package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/registry"
	"github.com/proxpanel/bulkops/pkg/proxmox"
)

// HealthCheck probes a cluster's API and records the outcome on its
// registry row. Used by the per-cluster connectivity test endpoint.
type HealthCheck struct {
	registry   *registry.Registry
	verifySSL  bool
	apiTimeout time.Duration
	newClient  clientFactory
}

// NewHealthCheck builds the connectivity check executor.
func NewHealthCheck(reg *registry.Registry, verifySSL bool, apiTimeout time.Duration) *HealthCheck {
	return &HealthCheck{
		registry:   reg,
		verifySSL:  verifySSL,
		apiTimeout: apiTimeout,
		newClient:  newAPIClient,
	}
}

func (e *HealthCheck) Execute(ctx context.Context, targetID int64, _ bulkops.Params) bulkops.TargetResult {
	cluster, err := e.registry.Get(ctx, targetID)
	if err != nil {
		return bulkops.FailedResult(targetID, "cluster lookup failed: "+err.Error())
	}

	version, err := e.probe(ctx, cluster)
	if err != nil {
		msg := proxmox.SanitizeError(err.Error())
		if touchErr := e.registry.TouchHealth(ctx, targetID, false, msg); touchErr != nil {
			log.Error().Err(touchErr).Int64("cluster", targetID).Msg("Failed to record health check result")
		}
		return bulkops.FailedResult(targetID, msg)
	}

	if err := e.registry.TouchHealth(ctx, targetID, true, ""); err != nil {
		log.Error().Err(err).Int64("cluster", targetID).Msg("Failed to record health check result")
	}
	return bulkops.SuccessResult(targetID,
		fmt.Sprintf("%s reachable, PVE %s", clusterLabel(cluster), version), "")
}

func (e *HealthCheck) probe(ctx context.Context, cluster *registry.Cluster) (string, error) {
	client, err := e.newClient(cluster, e.verifySSL, e.apiTimeout)
	if err != nil {
		return "", err
	}
	v, err := client.GetVersion(ctx)
	if err != nil {
		return "", err
	}
	return v.Version, nil
}
