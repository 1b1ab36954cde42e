// Package workspace wires every component — Metadata Index, Blob Store,
// Path Manager, Checkpoint Store, Security Detector (via the Engine),
// Audit Logger, Event Bus, Extraction Engine, and Orchestrator — into the
// single top-level tenant described by §3's Workspace entity, and exposes
// the five operations of §6's command interface.
//
// One Workspace owns one on-disk root: <root>/objects, <root>/metadata.db,
// <root>/paths.db, <root>/checkpoints, <root>/scratch. The workspace id
// threaded through every call is the same opaque, bounded-length id the
// Workspace was opened with; callers never supply a different one.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/beam-cloud/larc/pkg/audit"
	"github.com/beam-cloud/larc/pkg/blobstore"
	"github.com/beam-cloud/larc/pkg/checkpoint"
	"github.com/beam-cloud/larc/pkg/common"
	"github.com/beam-cloud/larc/pkg/config"
	"github.com/beam-cloud/larc/pkg/engine"
	"github.com/beam-cloud/larc/pkg/eventbus"
	"github.com/beam-cloud/larc/pkg/metadata"
	"github.com/beam-cloud/larc/pkg/orchestrator"
	"github.com/beam-cloud/larc/pkg/pathmap"
	"github.com/rs/zerolog"
)

// Workspace is the concrete top-level tenant.
type Workspace struct {
	ID   string
	Root string

	metadata    *metadata.Index
	blobs       *blobstore.Store
	paths       *pathmap.Manager
	checkpoints *checkpoint.Store
	bus         *eventbus.Bus
	auditLog    *audit.Logger
	engine      *engine.Engine
	orch        *orchestrator.Orchestrator
}

// Open creates (if absent) the on-disk layout under root and wires every
// collaborator for workspace id. logger is the zerolog.Logger the Audit
// Logger writes structured lines to; a zerolog.Nop() is fine for callers
// that only care about the published events on the returned Bus.
func Open(root, id string, cfg config.Config, logger zerolog.Logger) (*Workspace, error) {
	if !common.ValidWorkspaceID(id) {
		return nil, fmt.Errorf("invalid workspace id %q", id)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	meta, err := metadata.Open(filepath.Join(root, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	blobs, err := blobstore.New(root)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	paths, err := pathmap.Open(filepath.Join(root, "paths.db"), cfg.PathmapOptions())
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("opening path manager: %w", err)
	}

	checkpoints, err := checkpoint.Open(root)
	if err != nil {
		meta.Close()
		paths.Close()
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	bus := eventbus.New(1024)
	format := audit.FormatJSON
	if cfg.Audit.LogFormat == string(audit.FormatText) {
		format = audit.FormatText
	}
	auditLog := audit.New(logger, format, cfg.Audit.EnableAuditLogging, cfg.Audit.LogSecurityEvents, bus)

	eng := engine.New(meta, blobs, paths, checkpoints, auditLog, cfg.EngineConfig())

	concurrent := cfg.Extraction.ConcurrentExtractions
	if concurrent <= 0 {
		concurrent = runtime.NumCPU() / 2
		if concurrent < 1 {
			concurrent = 1
		}
	}
	orch := orchestrator.New(eng, concurrent)

	return &Workspace{
		ID: id, Root: root,
		metadata: meta, blobs: blobs, paths: paths, checkpoints: checkpoints,
		bus: bus, auditLog: auditLog, engine: eng, orch: orch,
	}, nil
}

// Close releases the on-disk database handles. The blob store and
// checkpoint store hold no open handles beyond each call's lifetime.
func (w *Workspace) Close() error {
	if err := w.paths.Close(); err != nil {
		return err
	}
	return w.metadata.Close()
}

// Events returns the Bus events are published to, for callers that want
// to subscribe to or poll the lifecycle/security event stream instead of
// reading the structured log.
func (w *Workspace) Events() *eventbus.Bus {
	return w.bus
}

// scratchDir allocates a fresh scratch directory for one extraction run,
// <root>/scratch/<uuid>, per §6's on-disk layout.
func (w *Workspace) scratchDir() (string, error) {
	dir := filepath.Join(w.Root, "scratch", orchestrator.NewRunID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	return dir, nil
}

// ExtractArchive runs extract_archive(archivePath, targetDir, workspaceId)
// per §6. If targetDir is empty, a fresh scratch directory is allocated
// under the workspace root and used instead.
func (w *Workspace) ExtractArchive(ctx context.Context, archivePath, targetDir string) (common.ExtractionResult, error) {
	if targetDir == "" {
		dir, err := w.scratchDir()
		if err != nil {
			return common.ExtractionResult{}, err
		}
		targetDir = dir
	}
	return w.orch.ExtractArchive(ctx, archivePath, targetDir, w.ID)
}

// FileContent is the read_file_by_hash(workspaceId, hash) result, §6.
type FileContent struct {
	Content io.ReadCloser
	Hash    string
	Size    int64
}

// ReadFileByHash opens the blob for hash, returning its content stream
// alongside its size. The caller owns Content and must Close it.
func (w *Workspace) ReadFileByHash(hash string) (*FileContent, error) {
	size, err := w.blobs.Size(hash)
	if err != nil {
		return nil, err
	}
	rc, err := w.blobs.ReadContent(hash)
	if err != nil {
		return nil, err
	}
	return &FileContent{Content: rc, Hash: hash, Size: size}, nil
}

// GetVirtualFileTree builds the get_virtual_file_tree(workspaceId) result,
// §6: one TreeNode per root-level archive or file, each archive node
// recursively populated with its children. A nested archive has both a
// file record and an archive record; it appears once, as its archive node.
func (w *Workspace) GetVirtualFileTree() ([]common.TreeNode, error) {
	archives, err := w.metadata.ListArchives(w.ID)
	if err != nil {
		return nil, err
	}
	files, err := w.metadata.ListFiles(w.ID)
	if err != nil {
		return nil, err
	}

	childArchivesByParent := make(map[int64][]*common.ArchiveRecord)
	childFilesByParent := make(map[int64][]*common.FileRecord)
	var rootArchives []*common.ArchiveRecord
	var rootFiles []*common.FileRecord

	for _, a := range archives {
		if a.ParentArchiveID == nil {
			rootArchives = append(rootArchives, a)
			continue
		}
		childArchivesByParent[*a.ParentArchiveID] = append(childArchivesByParent[*a.ParentArchiveID], a)
	}
	for _, f := range files {
		if f.ParentArchiveID == nil {
			rootFiles = append(rootFiles, f)
			continue
		}
		childFilesByParent[*f.ParentArchiveID] = append(childFilesByParent[*f.ParentArchiveID], f)
	}

	var buildArchiveNode func(a *common.ArchiveRecord) common.TreeNode
	buildArchiveNode = func(a *common.ArchiveRecord) common.TreeNode {
		node := common.TreeNode{
			Kind: "archive", Name: a.OriginalName, Path: a.VirtualPath,
			Hash: a.ContentHash, ArchiveType: a.Format,
		}
		childArchivePaths := make(map[string]struct{})
		for _, childArchive := range childArchivesByParent[a.ID] {
			node.Children = append(node.Children, buildArchiveNode(childArchive))
			childArchivePaths[childArchive.VirtualPath] = struct{}{}
		}
		for _, childFile := range childFilesByParent[a.ID] {
			if _, isArchive := childArchivePaths[childFile.VirtualPath]; isArchive {
				continue
			}
			node.Children = append(node.Children, fileNode(childFile))
		}
		return node
	}

	var out []common.TreeNode
	for _, a := range rootArchives {
		out = append(out, buildArchiveNode(a))
	}
	for _, f := range rootFiles {
		out = append(out, fileNode(f))
	}
	return out, nil
}

func fileNode(f *common.FileRecord) common.TreeNode {
	return common.TreeNode{
		Kind: "file", Name: f.OriginalName, Path: f.VirtualPath,
		Hash: f.ContentHash, Size: f.Size, MimeType: f.MimeHint,
	}
}

// CancelAll implements cancel_all(), §6: every in-flight and
// subsequently-submitted ExtractArchive call observes a cancelled context.
func (w *Workspace) CancelAll() {
	w.orch.CancelAll()
}

// VerifyWorkspaceIntegrity implements verify_workspace_integrity(workspaceId)
// -> ValidationReport, §6: every file record's blob must exist and
// recompute to the hash it claims.
func (w *Workspace) VerifyWorkspaceIntegrity() (common.ValidationReport, error) {
	files, err := w.metadata.ListFiles(w.ID)
	if err != nil {
		return common.ValidationReport{}, err
	}

	report := common.ValidationReport{WorkspaceID: w.ID, OK: true}
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		report.FilesChecked++
		if seen[f.ContentHash] {
			continue
		}
		seen[f.ContentHash] = true

		if !w.blobs.Exists(f.ContentHash) {
			report.BlobsMissing = append(report.BlobsMissing, f.VirtualPath)
			report.OK = false
			continue
		}
		ok, err := w.blobs.VerifyIntegrity(f.ContentHash)
		if err != nil || !ok {
			report.BlobsCorrupt = append(report.BlobsCorrupt, f.VirtualPath)
			report.OK = false
		}
	}

	maxDepth, err := w.metadata.MaxDepth(w.ID)
	if err == nil && maxDepth > 0 {
		policy := common.DefaultPolicyFor(common.PolicyDefault)
		if maxDepth > policy.MaxDepth {
			report.DepthViolations = append(report.DepthViolations, fmt.Sprintf("workspace depth %d exceeds policy max %d", maxDepth, policy.MaxDepth))
			report.OK = false
		}
	}

	return report, nil
}
