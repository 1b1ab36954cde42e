// Package orchestrator implements the Orchestrator component (§4.I): a
// counting semaphore bounding concurrent extractions, in-flight
// request deduplication keyed by archive path, and a hierarchical
// cancellation scope that can cancel every running extraction at once.
package orchestrator

import (
	"context"
	"runtime"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Extractor is the single method the Orchestrator needs from the Engine,
// kept narrow so tests can substitute a fake without building a real
// Engine's collaborators.
type Extractor interface {
	ExtractArchive(ctx context.Context, archivePath, targetDir, workspaceID string) (common.ExtractionResult, error)
}

// Orchestrator wraps an Extractor with the concurrency, deduplication, and
// cancellation rules of §4.I.
type Orchestrator struct {
	engine Extractor

	sem chan struct{}
	sf  singleflight.Group // collapses concurrent duplicate requests by archive path

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

// New creates an Orchestrator bounding concurrent extractions at
// maxConcurrent (runtime.NumCPU()/2, minimum 1, if maxConcurrent <= 0).
func New(engine Extractor, maxConcurrent int) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU() / 2
		if maxConcurrent < 1 {
			maxConcurrent = 1
		}
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		engine:     engine,
		sem:        make(chan struct{}, maxConcurrent),
		rootCtx:    rootCtx,
		cancelRoot: cancel,
	}
}

// CreateChildToken yields a context tied both to the Orchestrator's root
// scope (cancelled by CancelAll) and to the caller-supplied parent (so a
// per-request timeout or explicit cancel also takes effect).
func (o *Orchestrator) CreateChildToken(parent context.Context) (context.Context, context.CancelFunc) {
	merged, cancelMerged := context.WithCancel(parent)
	stop := context.AfterFunc(o.rootCtx, cancelMerged)
	return merged, func() {
		stop()
		cancelMerged()
	}
}

// CancelAll cancels every in-flight extraction's child token. Safe to call
// more than once.
func (o *Orchestrator) CancelAll() {
	o.cancelRoot()
}

// ExtractArchive runs extract_archive(path, target, workspaceId) per §4.I:
// checks cancellation, deduplicates by archive path via singleflight,
// acquires a permit (re-checking cancellation after), and delegates to the
// Engine. A second call for the same archivePath while the first is still
// running observes the first call's result instead of starting a second
// Engine run — the same collapsing beam-cloud-clip's own cdn layer gets
// from singleflight.Group for concurrent duplicate fetches.
func (o *Orchestrator) ExtractArchive(ctx context.Context, archivePath, targetDir, workspaceID string) (common.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return common.ExtractionResult{}, common.RunFatal(common.KindCancelled, archivePath, err)
	}

	child, cancelChild := o.CreateChildToken(ctx)
	defer cancelChild()

	v, err, _ := o.sf.Do(archivePath, func() (interface{}, error) {
		select {
		case o.sem <- struct{}{}:
		case <-child.Done():
			return common.ExtractionResult{}, common.RunFatal(common.KindCancelled, archivePath, child.Err())
		}
		defer func() { <-o.sem }()

		if err := child.Err(); err != nil {
			return common.ExtractionResult{}, common.RunFatal(common.KindCancelled, archivePath, err)
		}

		return o.engine.ExtractArchive(child, archivePath, targetDir, workspaceID)
	})
	return v.(common.ExtractionResult), err
}

// NewRunID generates a run-scoped identifier for callers that need to
// correlate an extraction request across logs (audit events carry the
// workspace id, not a separate run id, but callers building their own
// request-tracking may want one).
func NewRunID() string {
	return uuid.NewString()
}
