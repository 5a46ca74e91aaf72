// Package proxmox implements the small slice of the Proxmox VE API the
// bulk-operation executors need: version probing, node discovery, storage
// content listing and URL-based ISO downloads.
package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/proxpanel/bulkops/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

// Client is a Proxmox VE API client authenticated with an API token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenID    string
	tokenValue string
}

// ClientConfig holds connection settings for one PVE cluster endpoint.
type ClientConfig struct {
	Host        string // host[:port], protocol optional
	TokenID     string // user@realm!tokenname
	TokenSecret string
	Fingerprint string // SHA256 certificate pin, optional
	VerifySSL   bool
	Timeout     time.Duration
}

// NewClient creates a PVE API client. Only token authentication is
// supported; the panel never stores cluster passwords.
func NewClient(cfg ClientConfig) (*Client, error) {
	if !strings.HasPrefix(cfg.Host, "http://") && !strings.HasPrefix(cfg.Host, "https://") {
		cfg.Host = "https://" + cfg.Host
		log.Debug().Str("host", cfg.Host).Msg("No protocol specified in PVE host, defaulting to HTTPS")
	}
	if strings.HasPrefix(cfg.Host, "http://") {
		log.Warn().Str("host", cfg.Host).Msg("Using HTTP for PVE connection; the API normally requires HTTPS")
	}

	if cfg.TokenID == "" || cfg.TokenSecret == "" {
		return nil, fmt.Errorf("token authentication requires both token ID and secret")
	}
	if !strings.Contains(cfg.TokenID, "!") || !strings.Contains(cfg.TokenID, "@") {
		return nil, fmt.Errorf("invalid token ID %q, expected user@realm!tokenname", cfg.TokenID)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Host, "/") + "/api2/json",
		httpClient: tlsutil.NewHTTPClient(cfg.VerifySSL, cfg.Fingerprint, timeout),
		tokenID:    cfg.TokenID,
		tokenValue: cfg.TokenSecret,
	}, nil
}

// request performs an API request with token authentication.
func (c *Client) request(ctx context.Context, method, path string, data url.Values) (*http.Response, error) {
	var body io.Reader
	if data != nil {
		body = strings.NewReader(data.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	// Never log the secret, only the token ID.
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.tokenValue))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("authentication error: %w", err)
		}
		return nil, err
	}

	return resp, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.request(ctx, "GET", path, nil)
}

func (c *Client) post(ctx context.Context, path string, data url.Values) (*http.Response, error) {
	return c.request(ctx, "POST", path, data)
}

// getJSON performs a GET and decodes the standard {"data": ...} envelope.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data for %s: %w", path, err)
	}
	return nil
}

// Version is the PVE version report.
type Version struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}

// GetVersion probes the API, which doubles as a connectivity and
// authentication check.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var v Version
	if err := c.getJSON(ctx, "/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Node is one cluster member as reported by /nodes.
type Node struct {
	Node   string `json:"node"`
	Status string `json:"status"`
}

// GetNodes lists the cluster's nodes.
func (c *Client) GetNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.getJSON(ctx, "/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// StorageContent is one volume on a storage.
type StorageContent struct {
	VolID   string `json:"volid"`
	Content string `json:"content"`
	Format  string `json:"format"`
	Size    int64  `json:"size"`
}

// ListStorageContent lists volumes on a node's storage, optionally filtered
// by content type ("iso", "vztmpl", ...).
func (c *Client) ListStorageContent(ctx context.Context, node, storage, content string) ([]StorageContent, error) {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content", url.PathEscape(node), url.PathEscape(storage))
	if content != "" {
		path += "?content=" + url.QueryEscape(content)
	}
	var items []StorageContent
	if err := c.getJSON(ctx, path, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// DownloadURLToStorage asks the node to fetch a file from sourceURL into the
// given storage. Returns the UPID of the download task.
func (c *Client) DownloadURLToStorage(ctx context.Context, node, storage, sourceURL, filename, content string) (string, error) {
	data := url.Values{
		"url":      {sourceURL},
		"filename": {filename},
		"content":  {content},
	}
	path := fmt.Sprintf("/nodes/%s/storage/%s/download-url", url.PathEscape(node), url.PathEscape(storage))

	resp, err := c.post(ctx, path, data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	envelope := struct {
		Data string `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("decode download-url response: %w", err)
	}
	return envelope.Data, nil
}

// TaskStatus is the state of an async node task.
type TaskStatus struct {
	Status     string `json:"status"` // running | stopped
	ExitStatus string `json:"exitstatus"`
}

// GetTaskStatus fetches the status of a node task by UPID.
func (c *Client) GetTaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	var st TaskStatus
	if err := c.getJSON(ctx, path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WaitForTask polls a task until it stops or ctx expires.
func (c *Client) WaitForTask(ctx context.Context, node, upid string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		st, err := c.GetTaskStatus(ctx, node, upid)
		if err != nil {
			return err
		}
		if st.Status == "stopped" {
			if st.ExitStatus != "OK" {
				return fmt.Errorf("task %s failed: %s", upid, st.ExitStatus)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
