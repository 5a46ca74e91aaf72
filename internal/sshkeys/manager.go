// Package sshkeys manages the panel's SSH key material: generation,
// rotation with backup of the previous pair, and expiration tracking for the
// cluster health view.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
	metaFile       = "key.json"
	keyComment     = "bulkops-panel"
)

// Status describes the current key for the panel's key-health view.
type Status struct {
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"publicKey"`
	CreatedAt   time.Time `json:"createdAt"`
	RotatedAt   time.Time `json:"rotatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Expired     bool      `json:"expired"`
}

type keyMeta struct {
	CreatedAt time.Time `json:"createdAt"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// Manager owns the key files under dir. All mutation happens under one lock;
// pushes read the public key through AuthorizedKey.
type Manager struct {
	mu     sync.Mutex
	dir    string
	maxAge time.Duration
}

// NewManager creates a manager for key material under dir. maxAge bounds how
// long a key is considered healthy before rotation is recommended.
func NewManager(dir string, maxAge time.Duration) *Manager {
	return &Manager{dir: dir, maxAge: maxAge}
}

// Ensure generates an initial keypair when none exists yet.
func (m *Manager) Ensure() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(filepath.Join(m.dir, privateKeyFile)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat private key: %w", err)
	}

	if err := m.generateLocked(time.Now().UTC()); err != nil {
		return err
	}
	log.Info().Str("dir", m.dir).Msg("Generated initial SSH keypair")
	return nil
}

// Rotate backs up the current keypair and persists a fresh one. The backup
// is written and synced before the new key replaces the old, so a rollback
// path exists even if every subsequent push fails.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamp := time.Now().UTC().Format("20060102-150405")
	for _, name := range []string{privateKeyFile, publicKeyFile} {
		src := filepath.Join(m.dir, name)
		data, err := os.ReadFile(src)
		if os.IsNotExist(err) {
			continue // first rotation on a fresh install
		}
		if err != nil {
			return fmt.Errorf("read %s for backup: %w", name, err)
		}
		backup := src + ".bak." + stamp
		if err := writeFileSync(backup, data, 0o600); err != nil {
			return fmt.Errorf("back up %s: %w", name, err)
		}
	}

	if err := m.generateLocked(time.Now().UTC()); err != nil {
		return err
	}
	log.Info().Str("dir", m.dir).Msg("Rotated SSH keypair, previous pair backed up")
	return nil
}

// AuthorizedKey returns the current public key in authorized_keys format
// (single line, trailing newline stripped).
func (m *Manager) AuthorizedKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.dir, publicKeyFile))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Signer returns the current private key for SSH client authentication.
func (m *Manager) Signer() (ssh.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// Status reports fingerprint and age information for the current key.
func (m *Manager) Status() (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	meta, err := m.readMetaLocked()
	if err != nil {
		return nil, err
	}

	expiresAt := meta.RotatedAt.Add(m.maxAge)
	return &Status{
		Fingerprint: ssh.FingerprintSHA256(pub),
		PublicKey:   strings.TrimSpace(string(data)),
		CreatedAt:   meta.CreatedAt,
		RotatedAt:   meta.RotatedAt,
		ExpiresAt:   expiresAt,
		Expired:     time.Now().After(expiresAt),
	}, nil
}

func (m *Manager) generateLocked(now time.Time) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	pubLine := ssh.MarshalAuthorizedKey(sshPub)

	if err := writeFileSync(filepath.Join(m.dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeFileSync(filepath.Join(m.dir, publicKeyFile), pubLine, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	meta, err := m.readMetaLocked()
	if err != nil || meta.CreatedAt.IsZero() {
		meta = keyMeta{CreatedAt: now}
	}
	meta.RotatedAt = now
	return m.writeMetaLocked(meta)
}

func (m *Manager) readMetaLocked() (keyMeta, error) {
	var meta keyMeta
	data, err := os.ReadFile(filepath.Join(m.dir, metaFile))
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("read key metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse key metadata: %w", err)
	}
	return meta, nil
}

func (m *Manager) writeMetaLocked(meta keyMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode key metadata: %w", err)
	}
	if err := writeFileSync(filepath.Join(m.dir, metaFile), data, 0o600); err != nil {
		return fmt.Errorf("write key metadata: %w", err)
	}
	return nil
}

// writeFileSync writes data and fsyncs before rename so the key survives a
// crash mid-rotation.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
