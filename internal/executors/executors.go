// Package executors holds the per-target operations run by the fan-out
// coordinator. Each executor converts remote failures into failed target
// results with short diagnostics; only the coordinator decides job state.
package executors

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/proxpanel/bulkops/internal/registry"
	"github.com/proxpanel/bulkops/pkg/proxmox"
)

// ClusterSource resolves target ids to cluster records. Satisfied by
// *registry.Registry; tests substitute fakes.
type ClusterSource interface {
	Get(ctx context.Context, id int64) (*registry.Cluster, error)
}

// apiClient is the slice of the PVE client the executors use.
type apiClient interface {
	GetVersion(ctx context.Context) (*proxmox.Version, error)
	DownloadURLToStorage(ctx context.Context, node, storage, sourceURL, filename, content string) (string, error)
	WaitForTask(ctx context.Context, node, upid string) error
}

// clientFactory builds an API client for a cluster record. Overridable in
// tests to avoid real TLS handshakes.
type clientFactory func(c *registry.Cluster, verifySSL bool, timeout time.Duration) (apiClient, error)

func newAPIClient(c *registry.Cluster, verifySSL bool, timeout time.Duration) (apiClient, error) {
	return proxmox.NewClient(proxmox.ClientConfig{
		Host:        c.Host,
		TokenID:     c.TokenID,
		TokenSecret: c.TokenSecret,
		Fingerprint: c.Fingerprint,
		VerifySSL:   verifySSL,
		Timeout:     timeout,
	})
}

// sshAddress picks the SSH endpoint for a cluster: the explicit SSH host if
// set, otherwise the API hostname with the configured SSH port.
func sshAddress(c *registry.Cluster, defaultPort int) string {
	host := c.SSHHost
	if host == "" {
		host = c.Host
		host = strings.TrimPrefix(host, "https://")
		host = strings.TrimPrefix(host, "http://")
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.TrimSuffix(host, "/")
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(defaultPort))
}

func clusterLabel(c *registry.Cluster) string {
	if c.Name != "" {
		return fmt.Sprintf("%s (#%d)", c.Name, c.ID)
	}
	return fmt.Sprintf("#%d", c.ID)
}
