// Package metadata implements the Metadata Index component (§4.D): a
// relational store of archive/file entries, parent links, hashes, and
// virtual paths, backed by an embedded SQLite database (metadata.db, §6).
package metadata

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/tidwall/btree"
	_ "modernc.org/sqlite"
)

// pathNode is the in-memory secondary index entry kept in a btree for fast
// ordered prefix scans, mirroring how beam-cloud-clip's
// ClipArchiveMetadata.ListDirectory walks its btree index with an Ascend
// over a pivot built from the queried path.
type pathNode struct {
	VirtualPath string
	IsArchive   bool
	ID          int64
}

func compareByPath(a, b interface{}) bool {
	return a.(*pathNode).VirtualPath < b.(*pathNode).VirtualPath
}

// Index is the concrete Metadata Index. All writes are committed before
// the caller observes success (§4.D durability contract); the in-memory
// btree is only a read-path accelerator and is always rebuilt from the
// database on Open, never treated as authoritative.
type Index struct {
	db  *sql.DB
	mu  sync.Mutex
	idx *btree.BTree
}

// Open connects to (creating if absent) the sqlite-backed metadata.db at
// dbPath and rebuilds the in-memory path index from its current contents.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metadata schema: %w", err)
	}

	idx := &Index{db: db, idx: btree.New(compareByPath)}
	if err := idx.rebuildPathIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS archives (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id      TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	format            TEXT NOT NULL,
	original_name     TEXT NOT NULL,
	virtual_path      TEXT NOT NULL,
	parent_archive_id INTEGER,
	depth_level       INTEGER NOT NULL,
	ingested_at       TEXT NOT NULL,
	FOREIGN KEY (parent_archive_id) REFERENCES archives(id)
);
CREATE INDEX IF NOT EXISTS idx_archives_workspace ON archives(workspace_id);
CREATE INDEX IF NOT EXISTS idx_archives_parent ON archives(parent_archive_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_archives_vpath ON archives(workspace_id, virtual_path);

CREATE TABLE IF NOT EXISTS files (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id      TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	virtual_path      TEXT NOT NULL,
	original_name     TEXT NOT NULL,
	size              INTEGER NOT NULL,
	modified_at       TEXT NOT NULL,
	mime_hint         TEXT,
	parent_archive_id INTEGER,
	depth_level       INTEGER NOT NULL,
	FOREIGN KEY (parent_archive_id) REFERENCES archives(id)
);
CREATE INDEX IF NOT EXISTS idx_files_workspace ON files(workspace_id);
CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_archive_id);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files(workspace_id, content_hash);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_vpath ON files(workspace_id, virtual_path);
`

func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) rebuildPathIndex() error {
	idx.idx = btree.New(compareByPath)

	rows, err := idx.db.Query(`SELECT id, virtual_path FROM archives`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var vpath string
		if err := rows.Scan(&id, &vpath); err != nil {
			rows.Close()
			return err
		}
		idx.idx.Set(&pathNode{VirtualPath: vpath, IsArchive: true, ID: id})
	}
	rows.Close()

	rows, err = idx.db.Query(`SELECT id, virtual_path FROM files`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var vpath string
		if err := rows.Scan(&id, &vpath); err != nil {
			return err
		}
		idx.idx.Set(&pathNode{VirtualPath: vpath, IsArchive: false, ID: id})
	}
	return nil
}

// InsertArchive inserts rec, allocating its ID. Duplicate content hashes
// are permitted for archives (§4.D).
func (idx *Index) InsertArchive(rec *common.ArchiveRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if rec.ParentArchiveID != nil {
		var exists int
		if err := idx.db.QueryRow(`SELECT 1 FROM archives WHERE id = ?`, *rec.ParentArchiveID).Scan(&exists); err != nil {
			return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, fmt.Errorf("parent archive %d does not exist: %w", *rec.ParentArchiveID, err))
		}
	}

	res, err := idx.db.Exec(
		`INSERT INTO archives (workspace_id, content_hash, format, original_name, virtual_path, parent_archive_id, depth_level, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkspaceID, rec.ContentHash, string(rec.Format), rec.OriginalName, rec.VirtualPath,
		nullableInt64(rec.ParentArchiveID), rec.DepthLevel, rec.IngestedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, err)
	}
	rec.ID = id
	idx.idx.Set(&pathNode{VirtualPath: rec.VirtualPath, IsArchive: true, ID: id})
	return nil
}

// InsertFile inserts rec, allocating its ID.
func (idx *Index) InsertFile(rec *common.FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertFileLocked(rec)
}

func (idx *Index) insertFileLocked(rec *common.FileRecord) error {
	res, err := idx.db.Exec(
		`INSERT INTO files (workspace_id, content_hash, virtual_path, original_name, size, modified_at, mime_hint, parent_archive_id, depth_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkspaceID, rec.ContentHash, rec.VirtualPath, rec.OriginalName, rec.Size,
		rec.ModifiedAt.UTC().Format(time.RFC3339Nano), nullableString(rec.MimeHint),
		nullableInt64(rec.ParentArchiveID), rec.DepthLevel,
	)
	if err != nil {
		return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, err)
	}
	rec.ID = id
	idx.idx.Set(&pathNode{VirtualPath: rec.VirtualPath, IsArchive: false, ID: id})
	return nil
}

// BatchInsertFiles inserts every record in recs within a single
// transaction, per §4.D's "Batch-insert a set of file records" operation.
func (idx *Index) BatchInsertFiles(recs []*common.FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return common.NewError(common.KindDbError, common.SeverityFatal, "", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO files (workspace_id, content_hash, virtual_path, original_name, size, modified_at, mime_hint, parent_archive_id, depth_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return common.NewError(common.KindDbError, common.SeverityFatal, "", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		res, err := stmt.Exec(
			rec.WorkspaceID, rec.ContentHash, rec.VirtualPath, rec.OriginalName, rec.Size,
			rec.ModifiedAt.UTC().Format(time.RFC3339Nano), nullableString(rec.MimeHint),
			nullableInt64(rec.ParentArchiveID), rec.DepthLevel,
		)
		if err != nil {
			tx.Rollback()
			return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return common.NewError(common.KindDbError, common.SeverityFatal, rec.VirtualPath, err)
		}
		rec.ID = id
	}

	if err := tx.Commit(); err != nil {
		return common.NewError(common.KindDbError, common.SeverityFatal, "", err)
	}

	for _, rec := range recs {
		idx.idx.Set(&pathNode{VirtualPath: rec.VirtualPath, IsArchive: false, ID: rec.ID})
	}
	return nil
}

// GetFileByVirtualPath fetches the exact file record at vpath, §4.D.
func (idx *Index) GetFileByVirtualPath(workspaceID, vpath string) (*common.FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.scanFileRow(idx.db.QueryRow(
		`SELECT id, workspace_id, content_hash, virtual_path, original_name, size, modified_at, mime_hint, parent_archive_id, depth_level
		 FROM files WHERE workspace_id = ? AND virtual_path = ?`, workspaceID, vpath))
}

func (idx *Index) scanFileRow(row *sql.Row) (*common.FileRecord, error) {
	var rec common.FileRecord
	var modifiedAt string
	var mimeHint sql.NullString
	var parentID sql.NullInt64

	err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.ContentHash, &rec.VirtualPath, &rec.OriginalName,
		&rec.Size, &modifiedAt, &mimeHint, &parentID, &rec.DepthLevel)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.NewError(common.KindDbError, common.SeverityError, vpathOf(rec), err)
	}

	rec.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modifiedAt)
	if mimeHint.Valid {
		rec.MimeHint = &mimeHint.String
	}
	if parentID.Valid {
		rec.ParentArchiveID = &parentID.Int64
	}
	rec.Attr = common.FileAttr(rec.Size, rec.ModifiedAt)
	return &rec, nil
}

func vpathOf(rec common.FileRecord) string { return rec.VirtualPath }

// GetFileByID fetches a file record by its synthetic id.
func (idx *Index) GetFileByID(workspaceID string, id int64) (*common.FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.scanFileRow(idx.db.QueryRow(
		`SELECT id, workspace_id, content_hash, virtual_path, original_name, size, modified_at, mime_hint, parent_archive_id, depth_level
		 FROM files WHERE workspace_id = ? AND id = ?`, workspaceID, id))
}

// GetArchiveByID fetches an archive record by its synthetic id.
func (idx *Index) GetArchiveByID(workspaceID string, id int64) (*common.ArchiveRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.scanArchiveRow(idx.db.QueryRow(
		`SELECT id, workspace_id, content_hash, format, original_name, virtual_path, parent_archive_id, depth_level, ingested_at
		 FROM archives WHERE workspace_id = ? AND id = ?`, workspaceID, id))
}

func (idx *Index) scanArchiveRow(row *sql.Row) (*common.ArchiveRecord, error) {
	var rec common.ArchiveRecord
	var format, ingestedAt string
	var parentID sql.NullInt64

	err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.ContentHash, &format, &rec.OriginalName,
		&rec.VirtualPath, &parentID, &rec.DepthLevel, &ingestedAt)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.NewError(common.KindDbError, common.SeverityError, "", err)
	}

	rec.Format = common.ArchiveFormat(format)
	rec.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingestedAt)
	if parentID.Valid {
		rec.ParentArchiveID = &parentID.Int64
	}
	return &rec, nil
}

// ListArchives returns every archive record for a workspace, §4.D.
func (idx *Index) ListArchives(workspaceID string) ([]*common.ArchiveRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(
		`SELECT id, workspace_id, content_hash, format, original_name, virtual_path, parent_archive_id, depth_level, ingested_at
		 FROM archives WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, common.NewError(common.KindDbError, common.SeverityError, "", err)
	}
	defer rows.Close()

	var out []*common.ArchiveRecord
	for rows.Next() {
		var rec common.ArchiveRecord
		var format, ingestedAt string
		var parentID sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.ContentHash, &format, &rec.OriginalName,
			&rec.VirtualPath, &parentID, &rec.DepthLevel, &ingestedAt); err != nil {
			return nil, err
		}
		rec.Format = common.ArchiveFormat(format)
		rec.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingestedAt)
		if parentID.Valid {
			rec.ParentArchiveID = &parentID.Int64
		}
		out = append(out, &rec)
	}
	return out, nil
}

// ListFiles returns every file record for a workspace, §4.D.
func (idx *Index) ListFiles(workspaceID string) ([]*common.FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(
		`SELECT id, workspace_id, content_hash, virtual_path, original_name, size, modified_at, mime_hint, parent_archive_id, depth_level
		 FROM files WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, common.NewError(common.KindDbError, common.SeverityError, "", err)
	}
	defer rows.Close()

	var out []*common.FileRecord
	for rows.Next() {
		var rec common.FileRecord
		var modifiedAt string
		var mimeHint sql.NullString
		var parentID sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.ContentHash, &rec.VirtualPath, &rec.OriginalName,
			&rec.Size, &modifiedAt, &mimeHint, &parentID, &rec.DepthLevel); err != nil {
			return nil, err
		}
		rec.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modifiedAt)
		if mimeHint.Valid {
			rec.MimeHint = &mimeHint.String
		}
		if parentID.Valid {
			rec.ParentArchiveID = &parentID.Int64
		}
		rec.Attr = common.FileAttr(rec.Size, rec.ModifiedAt)
		out = append(out, &rec)
	}
	return out, nil
}

// ChildrenOf returns the direct file and archive children of archiveID,
// §4.D "Fetch children of an archive id".
func (idx *Index) ChildrenOf(workspaceID string, archiveID int64) ([]*common.FileRecord, []*common.ArchiveRecord, error) {
	files, err := idx.queryFilesWhere(`workspace_id = ? AND parent_archive_id = ?`, workspaceID, archiveID)
	if err != nil {
		return nil, nil, err
	}
	archives, err := idx.queryArchivesWhere(`workspace_id = ? AND parent_archive_id = ?`, workspaceID, archiveID)
	if err != nil {
		return nil, nil, err
	}
	return files, archives, nil
}

func (idx *Index) queryFilesWhere(where string, args ...interface{}) ([]*common.FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(
		`SELECT id, workspace_id, content_hash, virtual_path, original_name, size, modified_at, mime_hint, parent_archive_id, depth_level
		 FROM files WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.FileRecord
	for rows.Next() {
		var rec common.FileRecord
		var modifiedAt string
		var mimeHint sql.NullString
		var parentID sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.ContentHash, &rec.VirtualPath, &rec.OriginalName,
			&rec.Size, &modifiedAt, &mimeHint, &parentID, &rec.DepthLevel); err != nil {
			return nil, err
		}
		rec.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modifiedAt)
		if mimeHint.Valid {
			rec.MimeHint = &mimeHint.String
		}
		if parentID.Valid {
			rec.ParentArchiveID = &parentID.Int64
		}
		rec.Attr = common.FileAttr(rec.Size, rec.ModifiedAt)
		out = append(out, &rec)
	}
	return out, nil
}

func (idx *Index) queryArchivesWhere(where string, args ...interface{}) ([]*common.ArchiveRecord, error) {
	rows, err := idx.db.Query(
		`SELECT id, workspace_id, content_hash, format, original_name, virtual_path, parent_archive_id, depth_level, ingested_at
		 FROM archives WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.ArchiveRecord
	for rows.Next() {
		var rec common.ArchiveRecord
		var format, ingestedAt string
		var parentID sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.ContentHash, &format, &rec.OriginalName,
			&rec.VirtualPath, &parentID, &rec.DepthLevel, &ingestedAt); err != nil {
			return nil, err
		}
		rec.Format = common.ArchiveFormat(format)
		rec.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingestedAt)
		if parentID.Valid {
			rec.ParentArchiveID = &parentID.Int64
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Search performs a simple substring match over original names and
// virtual paths — the full-text search operation of §4.D, implemented
// without a dedicated FTS engine since no pack repo ships one suited to
// this embedded store (see DESIGN.md).
func (idx *Index) Search(workspaceID, query string) ([]*common.FileRecord, error) {
	like := "%" + strings.ReplaceAll(query, "%", "\\%") + "%"
	return idx.queryFilesWhere(
		`workspace_id = ? AND (original_name LIKE ? ESCAPE '\' OR virtual_path LIKE ? ESCAPE '\')`,
		workspaceID, like, like)
}

// CountFiles returns the number of file records in a workspace, §4.D.
func (idx *Index) CountFiles(workspaceID string) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var count int64
	err := idx.db.QueryRow(`SELECT COUNT(*) FROM files WHERE workspace_id = ?`, workspaceID).Scan(&count)
	return count, err
}

// SumFileSizes returns the total byte size of all files in a workspace.
func (idx *Index) SumFileSizes(workspaceID string) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var sum sql.NullInt64
	err := idx.db.QueryRow(`SELECT SUM(size) FROM files WHERE workspace_id = ?`, workspaceID).Scan(&sum)
	return sum.Int64, err
}

// MaxDepth returns the deepest depth_level seen across archives and files
// in a workspace.
func (idx *Index) MaxDepth(workspaceID string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var maxArchive, maxFile sql.NullInt64
	if err := idx.db.QueryRow(`SELECT MAX(depth_level) FROM archives WHERE workspace_id = ?`, workspaceID).Scan(&maxArchive); err != nil {
		return 0, err
	}
	if err := idx.db.QueryRow(`SELECT MAX(depth_level) FROM files WHERE workspace_id = ?`, workspaceID).Scan(&maxFile); err != nil {
		return 0, err
	}
	if maxArchive.Int64 > maxFile.Int64 {
		return int(maxArchive.Int64), nil
	}
	return int(maxFile.Int64), nil
}

// ClearWorkspace deletes every archive and file record for a workspace,
// for the teardown maintenance operation of §4.D.
func (idx *Index) ClearWorkspace(workspaceID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE workspace_id = ?`, workspaceID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM archives WHERE workspace_id = ?`, workspaceID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	idx.idx = btree.New(compareByPath)
	return nil
}

// DirectoryChildren lists the immediate virtual-path children of dir,
// using the in-memory btree the way beam-cloud-clip's
// ClipArchiveMetadata.ListDirectory does — an Ascend scan from a pivot of
// dir plus a trailing "/", stopping at the first path outside that prefix.
// Only paths that have a record are listed; a subdirectory with no record
// of its own does not appear.
func (idx *Index) DirectoryChildren(dir string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	pivot := &pathNode{VirtualPath: dir}

	var children []string
	idx.idx.Ascend(pivot, func(a interface{}) bool {
		node := a.(*pathNode)
		if !strings.HasPrefix(node.VirtualPath, dir) {
			return false // past the prefix range, stop scanning
		}
		rest := node.VirtualPath[len(dir):]
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
		return true
	})
	return children
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
