// Package engine implements the Extraction Engine component (§4.H): the
// core iterative state machine that walks a stack of archive frames,
// driving the Path Sanitizer, Path Manager, Blob Store, Metadata Index,
// Security Detector, Edge-Case Handler, and Checkpoint Store components,
// and writing extracted bytes to disk.
//
// The frame stack is an explicit slice, never the Go call stack — nesting
// depth is bounded by configuration, not by how deep `extractFrame` could
// recurse.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beam-cloud/larc/pkg/archivefmt"
	"github.com/beam-cloud/larc/pkg/audit"
	"github.com/beam-cloud/larc/pkg/blobstore"
	"github.com/beam-cloud/larc/pkg/checkpoint"
	"github.com/beam-cloud/larc/pkg/common"
	"github.com/beam-cloud/larc/pkg/edgecase"
	"github.com/beam-cloud/larc/pkg/metadata"
	"github.com/beam-cloud/larc/pkg/pathmap"
	"github.com/beam-cloud/larc/pkg/report"
	"github.com/beam-cloud/larc/pkg/sanitize"
	"github.com/beam-cloud/larc/pkg/security"
)

// Config bundles the extraction.*/security.*/checkpoint.* knobs the Engine
// consults, per §6.
type Config struct {
	Policy                  common.Policy
	MaxFileSize             int64
	BufferSize              int
	Thresholds              security.Thresholds
	DiskSpaceSafetyRatio    float64
	CheckpointFileInterval  int64
	CheckpointByteInterval  int64
	CheckpointEnabled       bool
	SkipMimePatterns        []string // §6.1 supplemented file-type filter
}

// DefaultConfig returns the documented defaults of §6.
func DefaultConfig() Config {
	return Config{
		Policy:                 common.DefaultPolicyFor(common.PolicyDefault),
		MaxFileSize:            10 << 30, // 10 GiB
		BufferSize:             256 * 1024,
		Thresholds:             security.DefaultThresholds(15),
		DiskSpaceSafetyRatio:   1.2,
		CheckpointFileInterval: 500,
		CheckpointByteInterval: 64 << 20, // 64 MiB
		CheckpointEnabled:      true,
		SkipMimePatterns:       nil,
	}
}

// Engine is the concrete Extraction Engine. One Engine instance serves
// every extract_archive call the Orchestrator dispatches, including
// concurrent ones; its collaborators are shared across those calls (§5's
// shared-resource rules), while each call builds its own frame stack,
// Edge-Case Handler and Report Collector, which are never shared.
type Engine struct {
	metadata    *metadata.Index
	blobs       *blobstore.Store
	paths       *pathmap.Manager
	checkpoints *checkpoint.Store
	auditLog    *audit.Logger
	cfg         Config
}

// New wires an Engine from its collaborator components.
func New(meta *metadata.Index, blobs *blobstore.Store, paths *pathmap.Manager, checkpoints *checkpoint.Store, auditLog *audit.Logger, cfg Config) *Engine {
	return &Engine{metadata: meta, blobs: blobs, paths: paths, checkpoints: checkpoints, auditLog: auditLog, cfg: cfg}
}

// frame is one entry of the explicit LIFO stack (§3, §4.H).
type frame struct {
	archivePath string
	targetDir   string
	depth       int
	archiveID   int64
	virtualPath string
	reader      archivefmt.Reader

	detector            *security.Detector
	uncompressedTotal   int64
	compressedTotal     int64
	hardStop            bool
	recommendedMaxDepth int

	extractedNames map[string]struct{} // from a loaded checkpoint, for resume
	trigger        *checkpoint.IntervalTrigger
}

// ExtractArchive runs the full §4.H algorithm for one caller-supplied
// archive, returning the aggregated ExtractionResult.
func (e *Engine) ExtractArchive(ctx context.Context, archivePath, targetDir, workspaceID string) (common.ExtractionResult, error) {
	if !common.ValidWorkspaceID(workspaceID) {
		return common.ExtractionResult{}, fmt.Errorf("invalid workspace id %q", workspaceID)
	}

	rt := &security.RunTotals{}
	handler := edgecase.New()
	coll := report.New(time.Now().UTC())

	e.auditLog.EmitLifecycle(audit.ExtractionStarted, workspaceID, archivePath, nil)

	root, err := e.openRootFrame(ctx, archivePath, targetDir, workspaceID, rt)
	if err != nil {
		e.auditLog.EmitLifecycle(audit.ExtractionFailed, workspaceID, archivePath, map[string]string{"error": err.Error()})
		return coll.FinalResult(), err
	}

	stack := []*frame{root}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			e.unwind(stack, workspaceID)
			e.auditLog.EmitLifecycle(audit.ExtractionFailed, workspaceID, archivePath, map[string]string{"error": "cancelled"})
			return coll.FinalResult(), common.RunFatal(common.KindCancelled, archivePath, common.ErrCancelled)
		}

		top := stack[len(stack)-1]

		if top.hardStop {
			stack = e.popFrame(stack, workspaceID, coll, "security hard stop")
			continue
		}

		if result := handler.CheckDiskSpace(top.targetDir, e.cfg.MaxFileSize, e.cfg.DiskSpaceSafetyRatio); result == edgecase.DiskSpaceInsufficient {
			coll.ObserveFailure(common.Warning{Category: "i/o", Severity: common.SeverityError, Path: top.archivePath, Message: "insufficient disk space", Depth: top.depth})
			stack = e.popFrame(stack, workspaceID, coll, "insufficient disk space")
			continue
		}

		entry, err := top.reader.NextEntry()
		if err == io.EOF {
			stack = e.popFrame(stack, workspaceID, coll, "")
			continue
		}
		if err != nil {
			coll.ObserveFailure(common.Warning{Category: "archive", Severity: common.SeverityError, Path: top.archivePath, Message: err.Error(), Depth: top.depth})
			stack = e.popFrame(stack, workspaceID, coll, "unreadable entry")
			continue
		}

		coll.ObserveEntrySeen()

		if entry.IsDir {
			dirPath := filepath.Join(top.targetDir, filepath.FromSlash(entry.Name))
			os.MkdirAll(dirPath, 0o755)
			continue
		}

		if child := e.processFileEntry(top, entry, workspaceID, handler, coll); child != nil {
			stack = append(stack, child)
		}
	}

	e.auditLog.EmitLifecycle(audit.ExtractionCompleted, workspaceID, archivePath, nil)
	return coll.FinalResult(), nil
}

func (e *Engine) openRootFrame(ctx context.Context, archivePath, targetDir, workspaceID string, rt *security.RunTotals) (*frame, error) {
	format, ok, err := archivefmt.Detect(archivePath)
	if err != nil {
		return nil, common.RunFatal(common.KindIoError, archivePath, err)
	}
	if !ok {
		return nil, common.RunFatal(common.KindArchiveFormat, archivePath, fmt.Errorf("not a recognized archive format"))
	}

	reader, err := archivefmt.Open(archivePath, format)
	if err != nil {
		return nil, err
	}

	hash, err := blobstore.ComputeHashIncremental(archivePath)
	if err != nil {
		reader.Close()
		return nil, common.RunFatal(common.KindIoError, archivePath, err)
	}

	virtualPath := "/" + filepath.Base(archivePath)
	rec := &common.ArchiveRecord{
		WorkspaceID: workspaceID, ContentHash: hash, Format: format,
		OriginalName: filepath.Base(archivePath), VirtualPath: virtualPath,
		DepthLevel: 0, IngestedAt: time.Now().UTC(),
	}
	if err := e.metadata.InsertArchive(rec); err != nil {
		reader.Close()
		return nil, err
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		reader.Close()
		return nil, common.RunFatal(common.KindIoError, targetDir, err)
	}

	f := &frame{
		archivePath: archivePath, targetDir: targetDir, depth: 0,
		archiveID: rec.ID, virtualPath: virtualPath, reader: reader,
		detector: security.New(e.cfg.Thresholds, rt),
		trigger:  &checkpoint.IntervalTrigger{FileInterval: e.cfg.CheckpointFileInterval, ByteInterval: e.cfg.CheckpointByteInterval},
	}

	if e.cfg.CheckpointEnabled {
		if loaded, found, _ := e.checkpoints.Load(workspaceID, archivePath); found {
			f.extractedNames = loaded.ExtractedNames
		}
	}
	if f.extractedNames == nil {
		f.extractedNames = make(map[string]struct{})
	}

	return f, nil
}

// popFrame closes the top frame's reader, deletes its checkpoint if it
// finished normally (reason == ""), emits the lifecycle event, and
// returns the stack with the frame removed.
func (e *Engine) popFrame(stack []*frame, workspaceID string, coll *report.Collector, reason string) []*frame {
	top := stack[len(stack)-1]
	top.reader.Close()

	if reason == "" {
		e.checkpoints.Delete(workspaceID, top.archivePath)
		e.auditLog.EmitLifecycle(audit.ArchiveCompleted, workspaceID, top.archivePath, nil)
	} else {
		coll.ObserveFailure(common.Warning{Category: "archive", Severity: common.SeverityError, Path: top.archivePath, Message: reason, Depth: top.depth})
	}

	return stack[:len(stack)-1]
}

func (e *Engine) unwind(stack []*frame, workspaceID string) {
	for _, f := range stack {
		f.reader.Close()
		// checkpoints are intentionally left intact for resume, §4.H
	}
}

func (e *Engine) processFileEntry(top *frame, entry *archivefmt.Entry, workspaceID string, handler *edgecase.Handler, coll *report.Collector) *frame {
	outcome := sanitize.Sanitize(entry.Name, e.cfg.Policy)
	if outcome.Kind == sanitize.Unsafe {
		e.auditLog.EmitSecurity(common.SecurityEvent{Kind: "PathTraversalAttempt", Severity: "Medium", WorkspaceID: workspaceID, ArchivePath: top.archivePath, FilePath: entry.Name, NestingDepth: top.depth, Timestamp: time.Now().UTC(), Detail: map[string]string{"reason": outcome.Reason}})
		coll.ObserveSkip(common.Warning{Category: "security", Severity: common.SeverityWarning, Path: entry.Name, Message: "rejected: " + outcome.Reason, Depth: top.depth})
		drainEntry(top.reader)
		return nil
	}
	cleanName := outcome.Clean

	if matchesSkipPattern(filepath.Base(cleanName), e.cfg.SkipMimePatterns) {
		coll.ObserveSkip(common.Warning{Category: "format", Severity: common.SeverityInfo, Path: cleanName, Message: "skipped: matched extraction.skip_mime_patterns", Depth: top.depth})
		drainEntry(top.reader)
		return nil
	}

	dirPart, baseName := filepath.Split(cleanName)
	fullDir := filepath.Join(top.targetDir, filepath.FromSlash(dirPart))
	if err := os.MkdirAll(fullDir, 0o755); err != nil {
		coll.ObserveSkip(common.Warning{Category: "i/o", Severity: common.SeverityWarning, Path: cleanName, Message: err.Error(), Depth: top.depth})
		drainEntry(top.reader)
		return nil
	}

	dedupedName := handler.ResolveDuplicate(fullDir, baseName)
	relPath := filepath.Join(dirPart, dedupedName)

	if _, already := top.extractedNames[relPath]; already {
		drainEntry(top.reader)
		return nil
	}

	unresolvedPath := filepath.Join(fullDir, dedupedName)
	resolvedPath, err := e.paths.ResolveExtractionPath(workspaceID, unresolvedPath)
	if err != nil {
		coll.ObserveSkip(common.Warning{Category: "format", Severity: common.SeverityWarning, Path: cleanName, Message: err.Error(), Depth: top.depth})
		drainEntry(top.reader)
		return nil
	}
	if resolvedPath != unresolvedPath {
		e.auditLog.EmitLifecycle(audit.PathShortened, workspaceID, cleanName, map[string]string{"original": unresolvedPath, "shortened": resolvedPath})
	}

	hash, size, err := e.streamWriteAndHash(top.reader, resolvedPath)
	if err != nil {
		coll.ObserveSkip(common.Warning{Category: "i/o", Severity: common.SeverityWarning, Path: cleanName, Message: err.Error(), Depth: top.depth})
		return nil
	}

	top.uncompressedTotal += size
	top.compressedTotal += entry.CompressedSize
	verdict := top.detector.Evaluate(workspaceID, top.archivePath, top.uncompressedTotal, top.compressedTotal, top.depth)
	if verdict.Event != nil {
		e.auditLog.EmitSecurity(*verdict.Event)
		coll.ObserveSecurityEvent(*verdict.Event)
	}
	top.hardStop = verdict.HardStop
	top.recommendedMaxDepth = verdict.RecommendedMaxDepth

	virtualPath := joinVirtual(top.virtualPath, relPath)

	effectiveMaxDepth := e.cfg.Policy.MaxDepth
	if verdict.RecommendedMaxDepth < effectiveMaxDepth {
		effectiveMaxDepth = verdict.RecommendedMaxDepth
	}

	// §8 invariant #10: no File or Archive record is ever inserted at a
	// depth beyond the effective max — this must hold for every entry,
	// not just ones recognized as nested archives.
	if top.depth+1 > effectiveMaxDepth {
		coll.ObserveDepthLimitSkip()
		e.auditLog.EmitLifecycle(audit.DepthLimitReached, workspaceID, virtualPath, map[string]string{"depth": fmt.Sprint(top.depth + 1)})
		return nil
	}

	fileRec := &common.FileRecord{
		WorkspaceID: workspaceID, ContentHash: hash, VirtualPath: virtualPath,
		OriginalName: baseName, Size: size, ModifiedAt: entry.ModTime,
		ParentArchiveID: &top.archiveID, DepthLevel: top.depth + 1,
		Attr: common.FileAttr(size, entry.ModTime),
	}
	if err := e.metadata.InsertFile(fileRec); err != nil {
		coll.ObserveFailure(common.Warning{Category: "other", Severity: common.SeverityError, Path: virtualPath, Message: err.Error(), Depth: top.depth})
		return nil
	}

	if _, _, err := e.blobs.StoreFile(resolvedPath); err != nil {
		coll.ObserveFailure(common.Warning{Category: "i/o", Severity: common.SeverityError, Path: virtualPath, Message: err.Error(), Depth: top.depth})
	}

	coll.ObserveFileExtracted(size, top.depth+1)
	top.extractedNames[relPath] = struct{}{}

	if top.trigger.Observe(1, size) && e.cfg.CheckpointEnabled {
		e.checkpoints.Save(&common.CheckpointRecord{
			WorkspaceID: workspaceID, ArchivePath: top.archivePath,
			ExtractedNames: top.extractedNames, Timestamp: time.Now().UTC(),
		})
	}

	if format, ok, _ := archivefmt.Detect(resolvedPath); ok {
		// Circular-reference check (§4.F, §8 invariant 9): the content hash,
		// not the filesystem path, is the canonical identity here — a
		// repeated path never occurs under this engine's scratch-dir
		// layout, but the same archive bytes recurring (self-embedding, a
		// duplicated copy re-ingested through a symlink) is exactly what
		// this detector exists to catch.
		if handler.IsCircular(hash) {
			ev := common.SecurityEvent{
				Kind: audit.CircularReferenceDetected, Severity: "High",
				WorkspaceID: workspaceID, ArchivePath: top.archivePath, FilePath: virtualPath,
				NestingDepth: top.depth + 1, Timestamp: time.Now().UTC(),
			}
			e.auditLog.EmitSecurity(ev)
			coll.ObserveSecurityEvent(ev)
			coll.ObserveFailure(common.Warning{Category: "security", Severity: common.SeverityError, Path: virtualPath, Message: "circular reference detected", Depth: top.depth + 1})
			return nil
		}

		childRec := &common.ArchiveRecord{
			WorkspaceID: workspaceID, ContentHash: hash, Format: format,
			OriginalName: baseName, VirtualPath: virtualPath,
			ParentArchiveID: &top.archiveID, DepthLevel: top.depth + 1,
			IngestedAt: time.Now().UTC(),
		}
		if err := e.metadata.InsertArchive(childRec); err != nil {
			coll.ObserveFailure(common.Warning{Category: "other", Severity: common.SeverityError, Path: virtualPath, Message: err.Error(), Depth: top.depth + 1})
			return nil
		}

		childReader, err := archivefmt.Open(resolvedPath, format)
		if err != nil {
			coll.ObserveFailure(common.Warning{Category: "archive", Severity: common.SeverityError, Path: virtualPath, Message: err.Error(), Depth: top.depth + 1})
			return nil
		}

		childTargetDir := resolvedPath + ".d"
		os.MkdirAll(childTargetDir, 0o755)

		return &frame{
			archivePath: resolvedPath, targetDir: childTargetDir, depth: top.depth + 1,
			archiveID: childRec.ID, virtualPath: virtualPath, reader: childReader,
			detector:       top.detector,
			extractedNames: make(map[string]struct{}),
			trigger:        &checkpoint.IntervalTrigger{FileInterval: e.cfg.CheckpointFileInterval, ByteInterval: e.cfg.CheckpointByteInterval},
		}
	}

	return nil
}

// matchesSkipPattern reports whether name matches any of the caller's
// extraction.skip_mime_patterns globs (case-insensitive), §6.1's file-type
// filter supplement. Matching is by filename glob only — the fuller
// three-layer detection in the original (magic-byte sniffing, null-byte
// ratio) would require buffering entry content before the streaming write
// this Engine otherwise avoids, so only the glob layer is carried over.
func matchesSkipPattern(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(strings.ToLower(pattern), lower); ok {
			return true
		}
	}
	return false
}

func joinVirtual(base, rel string) string {
	rel = filepath.ToSlash(rel)
	if base == "" {
		return "/" + rel
	}
	return strings.TrimSuffix(base, "/") + "/" + rel
}

func drainEntry(r archivefmt.Reader) {
	buf := make([]byte, 32*1024)
	for {
		_, err := r.ReadChunk(buf)
		if err != nil {
			return
		}
	}
}

// streamWriteAndHash copies the current entry's bytes from r into a
// temporary sibling of dest while hashing them, enforcing maxFileSize,
// then atomically renames into place (§4.H step i/j).
func (e *Engine) streamWriteAndHash(r archivefmt.Reader, dest string) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "entry-*.tmp")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()

	h := sha256.New()
	buf := make([]byte, e.bufferSize())
	var total int64

	for {
		n, rerr := r.ReadChunk(buf)
		if n > 0 {
			total += int64(n)
			if e.cfg.MaxFileSize > 0 && total > e.cfg.MaxFileSize {
				tmp.Close()
				os.Remove(tmpPath)
				return "", 0, fmt.Errorf("entry exceeds max_file_size")
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return "", 0, werr
			}
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return "", 0, rerr
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), total, nil
}

func (e *Engine) bufferSize() int {
	if e.cfg.BufferSize > 0 {
		return e.cfg.BufferSize
	}
	return 256 * 1024
}
