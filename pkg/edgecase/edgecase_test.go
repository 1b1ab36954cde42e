package edgecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_IdempotentAndASCIIUnchanged(t *testing.T) {
	assert.Equal(t, "plain-ascii.txt", Normalize("plain-ascii.txt"))

	composed := "café" // "café" as e + combining acute accent
	once := Normalize(composed)
	twice := Normalize(once)
	assert.Equal(t, once, twice)
}

// Invariant 7 (§8): presenting the same name N times yields N distinct
// outputs, the first equal to the input.
func TestResolveDuplicate_DistinctAcrossRepeats(t *testing.T) {
	h := New()
	outputs := make(map[string]struct{})
	var first string
	for i := 0; i < 5; i++ {
		out := h.ResolveDuplicate("/archive", "log.txt")
		if i == 0 {
			first = out
		}
		_, dup := outputs[out]
		require.False(t, dup, "expected distinct output, got repeat %q", out)
		outputs[out] = struct{}{}
	}
	assert.Equal(t, "log.txt", first)
	assert.Contains(t, outputs, "log_001.txt")
	assert.Contains(t, outputs, "log_004.txt")
}

func TestResolveDuplicate_CaseInsensitiveCollision(t *testing.T) {
	h := New()
	first := h.ResolveDuplicate("/dir", "Report.TXT")
	second := h.ResolveDuplicate("/dir", "report.txt")
	assert.NotEqual(t, first, second)
}

func TestResolveDuplicate_ScopedPerDirectory(t *testing.T) {
	h := New()
	a := h.ResolveDuplicate("/dir-a", "log.txt")
	b := h.ResolveDuplicate("/dir-b", "log.txt")
	assert.Equal(t, "log.txt", a)
	assert.Equal(t, "log.txt", b) // different directories, no collision
}

// Invariant 9 (§8): IsCircular is false on first visit, true thereafter;
// Reset returns to first-visit state.
func TestIsCircular_SecondVisitDetected(t *testing.T) {
	h := New()
	assert.False(t, h.IsCircular("/a/b/c"))
	assert.True(t, h.IsCircular("/a/b/c"))
	assert.True(t, h.IsCircular("/a/b/c"))
}

func TestIsCircular_ResetClearsState(t *testing.T) {
	h := New()
	require.False(t, h.IsCircular("/a/b/c"))
	require.True(t, h.IsCircular("/a/b/c"))

	h.Reset()
	assert.False(t, h.IsCircular("/a/b/c"))
}

func TestCheckDiskSpace_UndeterminableOnBadPath(t *testing.T) {
	h := New()
	result := h.CheckDiskSpace("/path/that/does/not/exist/anywhere", 1024, 1.2)
	assert.Equal(t, DiskSpaceUndeterminable, result)
}

func TestCheckDiskSpace_OKForTempDir(t *testing.T) {
	h := New()
	result := h.CheckDiskSpace(t.TempDir(), 1, 1.0)
	assert.Equal(t, DiskSpaceOK, result)
}
