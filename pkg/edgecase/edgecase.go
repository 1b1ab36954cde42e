// Package edgecase implements the Edge-Case Handler component (§4.F):
// Unicode normalization, duplicate-name suffixing, circular-reference
// detection, and a disk-space probe. A Handler is stateful and created
// fresh per extraction run.
package edgecase

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/text/unicode/norm"
)

// Handler holds the per-run state: the set of canonical paths visited (for
// circular-reference detection) and the case-folded name counters used for
// duplicate resolution.
type Handler struct {
	visited     map[string]struct{}
	seenNames   map[string]int // case-folded name -> count so far, scoped by directory
}

// New creates a Handler with empty per-run state.
func New() *Handler {
	return &Handler{
		visited:   make(map[string]struct{}),
		seenNames: make(map[string]int),
	}
}

// Normalize applies NFC normalization. Idempotent: Normalize(Normalize(x))
// == Normalize(x); Normalize(ascii) == ascii (§4.F).
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// DedupeKey scopes duplicate detection to (directory, case-folded name) so
// that colliding names in different directories don't interfere.
func dedupeKey(dir, caseFoldedName string) string {
	return dir + "\x00" + caseFoldedName
}

// ResolveDuplicate returns a name guaranteed unique within dir for this
// run. On a collision it appends "_NNN" before the final extension,
// incrementing until unique; presenting the same input name N times within
// a single run yields N pairwise-distinct outputs (§4.F, §8 invariant 7).
func (h *Handler) ResolveDuplicate(dir, name string) string {
	caseFolded := strings.ToLower(name)
	key := dedupeKey(dir, caseFolded)

	count := h.seenNames[key]
	h.seenNames[key] = count + 1

	if count == 0 {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s_%03d%s", stem, count, ext)
		candidateKey := dedupeKey(dir, strings.ToLower(candidate))
		if h.seenNames[candidateKey] == 0 {
			h.seenNames[candidateKey] = 1
			return candidate
		}
		count++
		h.seenNames[key] = count + 1
	}
}

// IsCircular reports whether path has already been visited this run — true
// on the second and subsequent visits, false otherwise (§4.F, §8 invariant
// 9). It also records path as visited.
func (h *Handler) IsCircular(canonicalPath string) bool {
	if _, seen := h.visited[canonicalPath]; seen {
		return true
	}
	h.visited[canonicalPath] = struct{}{}
	return false
}

// Reset clears all per-run state, returning the Handler to its
// first-visit/first-occurrence state (§4.F, §8 invariant 9).
func (h *Handler) Reset() {
	h.visited = make(map[string]struct{})
	h.seenNames = make(map[string]int)
}

// DiskSpaceResult is the outcome of Handler.CheckDiskSpace.
type DiskSpaceResult int

const (
	DiskSpaceOK DiskSpaceResult = iota
	DiskSpaceInsufficient
	DiskSpaceUndeterminable
)

// CheckDiskSpace probes the free space at targetDir against requiredBytes
// scaled by safetyRatio (e.g. 1.2 to require 20% headroom). A statfs
// failure is treated as Undeterminable — a warning, not a hard failure
// (§4.F).
func (h *Handler) CheckDiskSpace(targetDir string, requiredBytes int64, safetyRatio float64) DiskSpaceResult {
	var stat unix.Statfs_t
	if err := unix.Statfs(targetDir, &stat); err != nil {
		return DiskSpaceUndeterminable
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	needed := int64(float64(requiredBytes) * safetyRatio)

	if available < needed {
		return DiskSpaceInsufficient
	}
	return DiskSpaceOK
}
