package report

import (
	"testing"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/stretchr/testify/require"
)

func TestFinalResult_AggregatesCounters(t *testing.T) {
	c := New(time.Now().Add(-2 * time.Second))

	c.ObserveEntrySeen()
	c.ObserveEntrySeen()
	c.ObserveFileExtracted(1024, 1)
	c.ObserveSkip(common.Warning{Category: "format", Severity: common.SeverityWarning, Path: "bad.txt"})
	c.ObserveSecurityEvent(common.SecurityEvent{Kind: "ZipBombDetected", Severity: "High"})

	result := c.FinalResult()
	require.Equal(t, 1, result.TotalFiles)
	require.Equal(t, 1, result.MaxDepthReached)
	require.Equal(t, int64(1024), result.Metrics.BytesExtracted)
	require.Equal(t, 1, result.WarningsByCategory["format"])
	require.Len(t, result.Warnings, 1)
	require.Len(t, result.SecurityEvents, 1)
}

func TestSnapshot_ComputesPercentAndETA(t *testing.T) {
	c := New(time.Now().Add(-1 * time.Second))

	for i := 0; i < 5; i++ {
		c.ObserveEntrySeen()
	}

	p := c.Snapshot(10)
	require.Equal(t, 5, p.FilesSeen)
	require.InDelta(t, 50.0, p.PercentComplete, 0.001)
	require.Greater(t, p.EstimatedRemaining, time.Duration(0))
}

func TestSnapshot_ZeroExpectedTotalLeavesPercentZero(t *testing.T) {
	c := New(time.Now())
	c.ObserveEntrySeen()

	p := c.Snapshot(0)
	require.Zero(t, p.PercentComplete)
	require.Zero(t, p.EstimatedRemaining)
}

func TestObserveDepthLimitSkip_CountsTowardResult(t *testing.T) {
	c := New(time.Now())
	c.ObserveDepthLimitSkip()
	c.ObserveDepthLimitSkip()

	result := c.FinalResult()
	require.Equal(t, 2, result.DepthLimitSkips)
}

func TestSetEstimatedMemoryBytes_ReflectedInSnapshot(t *testing.T) {
	c := New(time.Now())
	c.SetEstimatedMemoryBytes(4096)

	p := c.Snapshot(0)
	require.Equal(t, int64(4096), p.EstimatedMemoryBytes)
}
