// Package registry stores the cluster inventory bulk operations act upon.
// Records are backed by SQLite so the panel's cluster list survives restarts
// even though job state does not.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a cluster id is unknown.
var ErrNotFound = errors.New("cluster not found")

// Cluster is one managed Proxmox cluster endpoint.
type Cluster struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Node        string     `json:"node"`
	TokenID     string     `json:"tokenId"`
	TokenSecret string     `json:"-"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	SSHHost     string     `json:"sshHost,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastCheckAt *time.Time `json:"lastCheckAt,omitempty"`
	LastCheckOK bool       `json:"lastCheckOk"`
	LastError   string     `json:"lastError,omitempty"`
}

// Registry provides CRUD operations for cluster records backed by SQLite.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the cluster registry database in dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "clusters.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cluster registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clusters (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT NOT NULL,
		host          TEXT NOT NULL,
		node          TEXT NOT NULL DEFAULT '',
		token_id      TEXT NOT NULL DEFAULT '',
		token_secret  TEXT NOT NULL DEFAULT '',
		fingerprint   TEXT NOT NULL DEFAULT '',
		ssh_host      TEXT NOT NULL DEFAULT '',
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		last_check_at INTEGER,
		last_check_ok INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_clusters_active ON clusters(active);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init cluster registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Create inserts a new cluster record and fills in its assigned id.
func (r *Registry) Create(ctx context.Context, c *Cluster) error {
	if c == nil {
		return fmt.Errorf("cluster is nil")
	}
	if c.Name == "" || c.Host == "" {
		return fmt.Errorf("cluster name and host are required")
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO clusters (
			name, host, node, token_id, token_secret, fingerprint, ssh_host,
			active, created_at, updated_at, last_check_at, last_check_ok, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Host, c.Node, c.TokenID, c.TokenSecret, c.Fingerprint, c.SSHHost,
		boolToInt(c.Active), c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
		nullableTimeUnix(c.LastCheckAt), boolToInt(c.LastCheckOK), c.LastError,
	)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("cluster insert id: %w", err)
	}
	c.ID = id
	return nil
}

// Get retrieves a cluster by id.
func (r *Registry) Get(ctx context.Context, id int64) (*Cluster, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanCluster(row)
}

// List returns all clusters ordered by id.
func (r *Registry) List(ctx context.Context) ([]*Cluster, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update modifies an existing cluster record.
func (r *Registry) Update(ctx context.Context, c *Cluster) error {
	if c == nil {
		return fmt.Errorf("cluster is nil")
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET
			name = ?, host = ?, node = ?, token_id = ?, token_secret = ?,
			fingerprint = ?, ssh_host = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Host, c.Node, c.TokenID, c.TokenSecret,
		c.Fingerprint, c.SSHHost, boolToInt(c.Active), c.UpdatedAt.Unix(),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update cluster: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a cluster record.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchHealth records the outcome of a connectivity check.
func (r *Registry) TouchHealth(ctx context.Context, id int64, ok bool, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET last_check_at = ?, last_check_ok = ?, last_error = ?
		WHERE id = ?`,
		time.Now().UTC().Unix(), boolToInt(ok), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("touch cluster health: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveTargets filters requested cluster ids down to the eligible target
// set for a bulk operation: known, active, and never the source itself.
// Order follows the request; duplicates collapse to the first occurrence.
// An empty result is not an error — the caller decides whether that is a
// user-facing validation failure.
func (r *Registry) ResolveTargets(ctx context.Context, sourceID *int64, requested []int64) ([]int64, error) {
	seen := make(map[int64]bool, len(requested))
	out := make([]int64, 0, len(requested))
	for _, id := range requested {
		if sourceID != nil && id == *sourceID {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		c, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !c.Active {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// ActiveTargetIDs lists every active cluster id, ordered by id. Fleet-wide
// operations (key rotation) use this as their target set.
func (r *Registry) ActiveTargetIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM clusters WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active clusters: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cluster id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT
	id, name, host, node, token_id, token_secret, fingerprint, ssh_host,
	active, created_at, updated_at, last_check_at, last_check_ok, last_error
	FROM clusters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCluster(row rowScanner) (*Cluster, error) {
	var (
		c           Cluster
		active      int
		createdAt   int64
		updatedAt   int64
		lastCheckAt sql.NullInt64
		lastCheckOK int
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Host, &c.Node, &c.TokenID, &c.TokenSecret,
		&c.Fingerprint, &c.SSHHost, &active, &createdAt, &updatedAt,
		&lastCheckAt, &lastCheckOK, &c.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.Active = active != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastCheckAt.Valid {
		t := time.Unix(lastCheckAt.Int64, 0).UTC()
		c.LastCheckAt = &t
	}
	c.LastCheckOK = lastCheckOK != 0
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
