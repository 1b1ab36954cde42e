// Package report implements the Report Collector component (§4.K):
// per-run statistics aggregation, a live progress snapshot, and the final
// ExtractionResult assembly.
package report

import (
	"sync"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
)

// Collector accumulates counters for one extraction run. Safe for
// concurrent use since the Orchestrator may run several Engines, each
// writing to its own Collector, while a caller polls Snapshot().
type Collector struct {
	mu sync.Mutex

	startedAt time.Time

	filesSeen      int
	filesExtracted int
	filesSkipped   int
	filesFailed    int
	totalBytes     int64

	maxDepthReached int
	depthLimitSkips int

	warningsByCategory map[string]int
	warnings           []common.Warning
	securityEvents     []common.SecurityEvent

	estimatedMemoryBytes int64 // §6.1 supplement: approximate in-flight memory
}

// New creates a Collector with its clock started.
func New(startedAt time.Time) *Collector {
	return &Collector{
		startedAt:          startedAt,
		warningsByCategory: make(map[string]int),
	}
}

// ObserveEntrySeen records that one more archive entry was pulled.
func (c *Collector) ObserveEntrySeen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesSeen++
}

// ObserveFileExtracted records a successfully written, hashed, and
// indexed file.
func (c *Collector) ObserveFileExtracted(bytes int64, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesExtracted++
	c.totalBytes += bytes
	if depth > c.maxDepthReached {
		c.maxDepthReached = depth
	}
}

// ObserveSkip records an entry-skip warning (§7: sanitizer rejection,
// duplicate-resolution impossibility, single-file I/O error).
func (c *Collector) ObserveSkip(w common.Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesSkipped++
	c.warningsByCategory[w.Category]++
	c.warnings = append(c.warnings, w)
}

// ObserveFailure records a frame-fatal or run-fatal warning.
func (c *Collector) ObserveFailure(w common.Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesFailed++
	c.warningsByCategory[w.Category]++
	c.warnings = append(c.warnings, w)
}

// ObserveDepthLimitSkip records an entry that was not recorded (and, if
// an archive, not descended into) because it lies beyond the effective
// max depth.
func (c *Collector) ObserveDepthLimitSkip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depthLimitSkips++
}

// ObserveSecurityEvent records a raised Security Detector event for
// inclusion in the final report.
func (c *Collector) ObserveSecurityEvent(ev common.SecurityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.securityEvents = append(c.securityEvents, ev)
}

// SetEstimatedMemoryBytes records a caller-supplied approximation of
// in-flight memory, the §6.1-supplemented resource-tracking feature. The
// Engine does not call it, so in an Engine run the snapshot's
// EstimatedMemoryBytes stays 0.
func (c *Collector) SetEstimatedMemoryBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimatedMemoryBytes = n
}

// Progress is the live snapshot exposed while extraction is in flight.
type Progress struct {
	FilesSeen         int
	FilesExtracted    int
	PercentComplete   float64 // only meaningful when an expected total is known; 0 otherwise
	AverageSpeedBps   float64
	ElapsedTime       time.Duration
	EstimatedRemaining time.Duration
	EstimatedMemoryBytes int64
}

// Snapshot returns the current live progress. expectedTotal is the total
// entry count if known in advance (0 if unknown, in which case
// PercentComplete and EstimatedRemaining are left zero).
func (c *Collector) Snapshot(expectedTotal int) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startedAt)
	var speed float64
	if elapsed > 0 {
		speed = float64(c.totalBytes) / elapsed.Seconds()
	}

	p := Progress{
		FilesSeen:            c.filesSeen,
		FilesExtracted:       c.filesExtracted,
		AverageSpeedBps:      speed,
		ElapsedTime:          elapsed,
		EstimatedMemoryBytes: c.estimatedMemoryBytes,
	}

	if expectedTotal > 0 {
		p.PercentComplete = 100 * float64(c.filesSeen) / float64(expectedTotal)
		if c.filesSeen > 0 {
			perEntry := elapsed / time.Duration(c.filesSeen)
			remaining := expectedTotal - c.filesSeen
			if remaining > 0 {
				p.EstimatedRemaining = perEntry * time.Duration(remaining)
			}
		}
	}

	return p
}

// FinalResult assembles the ExtractionResult returned from one
// extract_archive call (§3/§6).
func (c *Collector) FinalResult() common.ExtractionResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	byCategory := make(map[string]int, len(c.warningsByCategory))
	for k, v := range c.warningsByCategory {
		byCategory[k] = v
	}

	warnings := make([]common.Warning, len(c.warnings))
	copy(warnings, c.warnings)

	events := make([]common.SecurityEvent, len(c.securityEvents))
	copy(events, c.securityEvents)

	return common.ExtractionResult{
		TotalFiles:         c.filesExtracted,
		MaxDepthReached:    c.maxDepthReached,
		DepthLimitSkips:    c.depthLimitSkips,
		WarningsByCategory: byCategory,
		Warnings:           warnings,
		SecurityEvents:     events,
		Metrics: common.PerfMetrics{
			WallTime:       time.Since(c.startedAt),
			BytesExtracted: c.totalBytes,
			FilesExtracted: int64(c.filesExtracted),
		},
	}
}
