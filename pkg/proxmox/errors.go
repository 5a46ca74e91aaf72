package proxmox

import "strings"

// SanitizeError condenses raw transport errors into messages suitable for
// per-target job results shown in the UI. The full error stays in the logs.
func SanitizeError(errMsg string) string {
	if errMsg == "" {
		return errMsg
	}

	lower := strings.ToLower(errMsg)

	if strings.Contains(lower, "context deadline exceeded") {
		return "Request timed out - Proxmox API may be slow or waiting on unreachable backend services"
	}
	if strings.Contains(lower, "client.timeout exceeded") {
		return "Connection timed out - Proxmox API not responding in time"
	}
	if strings.Contains(lower, "connection refused") {
		return "Connection refused - Proxmox API not running or firewall blocking"
	}
	if strings.Contains(lower, "no route to host") {
		return "Network unreachable - check network connectivity to Proxmox host"
	}
	if strings.Contains(lower, "no such host") {
		return "DNS resolution failed - check the configured hostname"
	}
	if strings.Contains(lower, "certificate") || strings.Contains(lower, "x509") ||
		strings.Contains(lower, "fingerprint") {
		return "TLS certificate error - check SSL settings or add fingerprint"
	}
	if strings.Contains(lower, "authentication") || strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") {
		return "Authentication failed - check API token or credentials"
	}

	// Keep short API errors as-is, truncate anything unwieldy.
	if len(errMsg) > 200 {
		return errMsg[:200] + "..."
	}
	return errMsg
}
