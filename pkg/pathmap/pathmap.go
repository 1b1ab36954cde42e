// Package pathmap implements the Path Manager component (§4.B): maps
// long/unsafe logical paths to short filesystem paths and persists the
// bidirectional mapping.
package pathmap

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
	_ "modernc.org/sqlite"
)

const extendedLengthPrefix = `\\?\`

// Options configures shortening behavior, mirroring the paths.* keys of
// the configuration schema in §6.
type Options struct {
	MaxPathLength       int     // platform path length budget, e.g. 260 on Windows
	ShorteningThreshold float64 // fraction of MaxPathLength that triggers shortening
	HashLength          int     // 8..32, hex digits of SHA-256 used per shortened component
	EnableLongPaths     bool
}

// DefaultOptions returns sane defaults per §6's documented ranges.
func DefaultOptions() Options {
	return Options{
		MaxPathLength:       260,
		ShorteningThreshold: 0.8,
		HashLength:          16,
		EnableLongPaths:     true,
	}
}

// Manager is the concrete Path Manager. It is safe for concurrent use; all
// persistence happens synchronously before ResolveExtractionPath returns,
// per §4.B's contract.
type Manager struct {
	db   *sql.DB
	opts Options
	mu   sync.Mutex
}

// Open connects to (creating if absent) the sqlite-backed mapping table at
// dbPath. Multiple Managers may point at the same file; each workspace gets
// its own namespace via the workspace_id column.
func Open(dbPath string, opts Options) (*Manager, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening path mapping store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite + concurrent writers: serialize through one connection

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating path mapping schema: %w", err)
	}

	if opts.HashLength < 8 || opts.HashLength > 32 {
		opts.HashLength = 16
	}

	return &Manager{db: db, opts: opts}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS path_mappings (
	workspace_id  TEXT NOT NULL,
	short_path    TEXT NOT NULL,
	original_path TEXT NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (workspace_id, short_path)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_path_mappings_original
	ON path_mappings (workspace_id, original_path);
`

func (m *Manager) Close() error {
	return m.db.Close()
}

// PredictLength estimates the final on-disk byte length of a path before
// it is actually resolved, per §4.B's contract.
func PredictLength(base, archiveName, internalPath string, depth int) int {
	// One path separator per nesting level, plus the archive's own name
	// component repeated at each depth (mirrors how the Engine lays out
	// sibling scratch directories named after each ancestor archive).
	n := len(base) + len(internalPath) + 2
	if depth > 0 {
		n += depth * (len(archiveName) + 1)
	}
	return n
}

// ResolveExtractionPath returns the on-disk path to use for originalPath.
// If the estimated length is within budget, the original path is returned
// unchanged and no mapping row is created. Otherwise trailing components
// are replaced with a deterministic SHA-256-derived short form and the
// mapping is persisted before returning.
func (m *Manager) ResolveExtractionPath(workspaceID, originalPath string) (string, error) {
	if !common.ValidWorkspaceID(workspaceID) {
		return "", fmt.Errorf("invalid workspace id %q", workspaceID)
	}

	budget := float64(m.opts.MaxPathLength) * m.opts.ShorteningThreshold
	if float64(len(originalPath)) <= budget {
		return originalPath, nil
	}

	short := m.shorten(originalPath, budget)
	if m.opts.EnableLongPaths && runtime.GOOS == "windows" && len(short) >= 260 {
		short = extendedLengthPrefix + short
	}

	if err := m.persist(workspaceID, short, originalPath); err != nil {
		return "", common.NewError(common.KindPathTooLong, common.SeverityWarning, originalPath, err)
	}

	return short, nil
}

// shorten keeps as many leading directory components as fit under budget
// and replaces everything after them with one component: a hex digest of
// the whole originalPath plus the last component's extension. The function is
// deterministic: the same originalPath always yields the same short path
// (§8 invariant 2 round-trip / idempotence).
func (m *Manager) shorten(originalPath string, budget float64) string {
	parts := strings.Split(originalPath, "/")
	if len(parts) == 0 {
		return originalPath
	}

	ext := ""
	if dot := strings.LastIndexByte(parts[len(parts)-1], '.'); dot > 0 {
		ext = parts[len(parts)-1][dot:]
	}

	sum := sha256.Sum256([]byte(originalPath))
	digest := hex.EncodeToString(sum[:])
	if m.opts.HashLength < len(digest) {
		digest = digest[:m.opts.HashLength]
	}

	// Keep as many leading directory components as fit, then collapse the
	// remainder into a single hashed component. This keeps the mapping
	// deterministic per distinct originalPath while bringing length under
	// budget.
	kept := make([]string, 0, len(parts))
	total := 0.0
	for i, p := range parts[:len(parts)-1] {
		candidateLen := float64(total) + float64(len(p)) + 1
		if candidateLen+float64(len(digest)+len(ext)+1) > budget {
			break
		}
		kept = append(kept, p)
		total = candidateLen
		_ = i
	}

	kept = append(kept, digest+ext)
	return strings.Join(kept, "/")
}

func (m *Manager) persist(workspaceID, shortPath, originalPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First-writer-wins: a concurrent insert of the identical tuple is a
	// no-op, per §5's idempotent-insert requirement.
	_, err := m.db.Exec(
		`INSERT INTO path_mappings (workspace_id, short_path, original_path, access_count, created_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT (workspace_id, short_path) DO NOTHING`,
		workspaceID, shortPath, originalPath, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ResolveOriginalPath is the inverse lookup, §4.B. Every call increments
// the mapping's access counter, used only for eviction heuristics (§3),
// never for correctness.
func (m *Manager) ResolveOriginalPath(workspaceID, shortPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shortPath = strings.TrimPrefix(shortPath, extendedLengthPrefix)

	var original string
	err := m.db.QueryRow(
		`SELECT original_path FROM path_mappings WHERE workspace_id = ? AND short_path = ?`,
		workspaceID, shortPath,
	).Scan(&original)
	if err == sql.ErrNoRows {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up original path: %w", err)
	}

	if _, err := m.db.Exec(
		`UPDATE path_mappings SET access_count = access_count + 1 WHERE workspace_id = ? AND short_path = ?`,
		workspaceID, shortPath,
	); err != nil {
		return original, nil // counter bump is a heuristic, never fail the lookup over it
	}

	return original, nil
}

// EvictUnreachable removes mapping rows for a workspace whose access
// counter never incremented past zero, intended to run after workspace
// cleanup per §3's "eviction of unreachable mappings" note.
func (m *Manager) EvictUnreachable(workspaceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(
		`DELETE FROM path_mappings WHERE workspace_id = ? AND access_count = 0`,
		workspaceID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
