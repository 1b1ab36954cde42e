// Package security implements the Security Detector component (§4.E):
// compression-ratio, depth, and entry-count heuristics that raise security
// events and recommend a dynamic depth limit.
package security

import (
	"math"
	"strconv"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
)

// Thresholds bundles the security.* configuration keys of §6.
type Thresholds struct {
	CompressionRatio      float64 // default 100
	ExponentialBackoff    float64 // default 1e6
	FileCountThreshold    int64
	TotalSizeThreshold    int64
	MaxDepth              int
	DepthReductionStep    int
	MinDepth              int
	EnableZipBombDetection bool
}

// DefaultThresholds returns the §4.E documented defaults.
func DefaultThresholds(maxDepth int) Thresholds {
	return Thresholds{
		CompressionRatio:       100,
		ExponentialBackoff:     1e6,
		FileCountThreshold:     100_000,
		TotalSizeThreshold:     10 << 30, // 10 GiB
		MaxDepth:               maxDepth,
		DepthReductionStep:     1,
		MinDepth:               1,
		EnableZipBombDetection: true,
	}
}

// RunTotals tracks the cumulative counters a Detector consults, one per
// extraction run (shared across all frames in that run).
type RunTotals struct {
	EntryCount int64
	TotalBytes int64
}

// Detector evaluates one archive frame's observations against Thresholds
// and the run's cumulative totals.
type Detector struct {
	thresholds Thresholds
	totals     *RunTotals
}

// New creates a Detector sharing totals across the whole run (the Engine
// passes the same *RunTotals to every frame's Detector call).
func New(thresholds Thresholds, totals *RunTotals) *Detector {
	return &Detector{thresholds: thresholds, totals: totals}
}

// Verdict is the result of Evaluate: at most one event, plus the
// recommended dynamic depth limit to consult before pushing a new frame.
type Verdict struct {
	Event              *common.SecurityEvent
	HardStop           bool // High/Critical: Engine must pop this frame
	RecommendedMaxDepth int
}

// Evaluate checks depth, compression ratio, entry count and total size, in
// that order, and returns the event of the first check that fires, if any;
// later checks are not consulted, so the result is not necessarily the
// most severe applicable event.
func (d *Detector) Evaluate(workspaceID, archivePath string, uncompressedSize, compressedSize int64, depth int) Verdict {
	now := time.Now().UTC()
	recommended := d.recommendedDepthLimit()

	if depth > d.thresholds.MaxDepth {
		return Verdict{
			Event: &common.SecurityEvent{
				Kind: "DepthLimitExceeded", Severity: "High",
				WorkspaceID: workspaceID, ArchivePath: archivePath,
				NestingDepth: depth, Timestamp: now,
				Detail: map[string]string{"max_depth": strconv.Itoa(d.thresholds.MaxDepth)},
			},
			HardStop:            true,
			RecommendedMaxDepth: recommended,
		}
	}

	if d.thresholds.EnableZipBombDetection && compressedSize > 0 {
		ratio := float64(uncompressedSize) / float64(compressedSize)
		if ratio > d.thresholds.CompressionRatio {
			severity, category := classifyRatio(ratio, d.thresholds.CompressionRatio)

			// ratio^depth exceeding the exponential backoff threshold is an
			// automatic High regardless of the ratio-only classification.
			if depth > 0 && math.Pow(ratio, float64(depth)) > d.thresholds.ExponentialBackoff {
				severity = "High"
			}

			event := &common.SecurityEvent{
				Kind: "ZipBombDetected", Severity: severity, Category: category,
				WorkspaceID: workspaceID, ArchivePath: archivePath,
				CompressionRatio: ratio, NestingDepth: depth,
				RiskScore: ratio * float64(depth+1),
				Timestamp: now,
				Detail: map[string]string{
					"uncompressed_size": strconv.FormatInt(uncompressedSize, 10),
					"compressed_size":   strconv.FormatInt(compressedSize, 10),
				},
			}
			return Verdict{
				Event:               event,
				HardStop:            severity == "High" || severity == "Critical",
				RecommendedMaxDepth: recommended,
			}
		}
	}

	if d.thresholds.FileCountThreshold > 0 && d.totals.EntryCount > d.thresholds.FileCountThreshold*10 {
		return Verdict{
			Event: &common.SecurityEvent{
				Kind: "ExcessiveCompressionRatio", Severity: "Medium",
				WorkspaceID: workspaceID, ArchivePath: archivePath,
				NestingDepth: depth, Timestamp: now,
				Detail: map[string]string{"entry_count": strconv.FormatInt(d.totals.EntryCount, 10)},
			},
			RecommendedMaxDepth: recommended,
		}
	}

	if d.thresholds.TotalSizeThreshold > 0 && d.totals.TotalBytes > d.thresholds.TotalSizeThreshold*2 {
		return Verdict{
			Event: &common.SecurityEvent{
				Kind: "ExcessiveCompressionRatio", Severity: "Medium",
				WorkspaceID: workspaceID, ArchivePath: archivePath,
				NestingDepth: depth, Timestamp: now,
				Detail: map[string]string{"total_bytes": strconv.FormatInt(d.totals.TotalBytes, 10)},
			},
			RecommendedMaxDepth: recommended,
		}
	}

	return Verdict{RecommendedMaxDepth: recommended}
}

// classifyRatio maps a crossed compression-ratio threshold to a severity
// and a diagnostic category, the §6.1 supplement grounded on
// original_source/log-analyzer's archive/compression_analyzer.rs.
func classifyRatio(ratio, threshold float64) (severity, category string) {
	switch {
	case ratio > threshold*10:
		return "Critical", "Critical"
	case ratio > threshold*3:
		return "High", "HighRisk"
	default:
		return "Medium", "Suspicious"
	}
}

// recommendedDepthLimit reduces the effective depth limit as observed
// totals approach their thresholds, clamped at MinDepth (§4.E).
func (d *Detector) recommendedDepthLimit() int {
	limit := d.thresholds.MaxDepth

	if d.thresholds.FileCountThreshold > 0 {
		fraction := float64(d.totals.EntryCount) / float64(d.thresholds.FileCountThreshold)
		if fraction > 0.5 {
			limit -= d.thresholds.DepthReductionStep
		}
	}
	if d.thresholds.TotalSizeThreshold > 0 {
		fraction := float64(d.totals.TotalBytes) / float64(d.thresholds.TotalSizeThreshold)
		if fraction > 0.5 {
			limit -= d.thresholds.DepthReductionStep
		}
	}

	if limit < d.thresholds.MinDepth {
		limit = d.thresholds.MinDepth
	}
	return limit
}

