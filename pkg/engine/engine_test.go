package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/beam-cloud/larc/pkg/audit"
	"github.com/beam-cloud/larc/pkg/blobstore"
	"github.com/beam-cloud/larc/pkg/checkpoint"
	"github.com/beam-cloud/larc/pkg/common"
	"github.com/beam-cloud/larc/pkg/metadata"
	"github.com/beam-cloud/larc/pkg/pathmap"
	"github.com/beam-cloud/larc/pkg/security"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

type testEngine struct {
	eng  *Engine
	root string
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	return newTestEngineWithSink(t, cfg, nil)
}

// fakeAuditSink records every published audit event for assertions, in
// place of a real eventbus.
type fakeAuditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *fakeAuditSink) Publish(ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newTestEngineWithSink(t *testing.T, cfg Config, sink audit.Sink) *testEngine {
	t.Helper()
	root := t.TempDir()

	meta, err := metadata.Open(filepath.Join(root, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blobs, err := blobstore.New(root)
	require.NoError(t, err)

	pm, err := pathmap.Open(filepath.Join(root, "paths.db"), pathmap.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	cp, err := checkpoint.Open(root)
	require.NoError(t, err)

	logger := audit.New(zerolog.Nop(), audit.FormatJSON, true, true, sink)

	return &testEngine{eng: New(meta, blobs, pm, cp, logger, cfg), root: root}
}

// Scenario S1 (§8): a zip containing a plain file and a nested zip; the
// nested zip is descended into and its own contents extracted.
func TestExtractArchive_NestedZipHappyPath(t *testing.T) {
	te := newTestEngine(t, DefaultConfig())

	innerZip := buildZip(t, map[string][]byte{"b.txt": []byte("world")})
	outerZip := buildZip(t, map[string][]byte{
		"a.txt":     []byte("hello"),
		"inner.zip": innerZip,
	})

	archivePath := filepath.Join(te.root, "outer.zip")
	writeFile(t, archivePath, outerZip)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	require.Equal(t, 3, result.TotalFiles)
	require.Empty(t, result.Warnings)

	aBytes, err := os.ReadFile(filepath.Join(target, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(aBytes))

	bBytes, err := os.ReadFile(filepath.Join(target, "inner.zip.d", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(bBytes))
}

// Scenario S4 (§8): an entry declaring a path-traversal name is skipped,
// recorded as a warning, and extraction continues.
func TestExtractArchive_PathTraversalEntrySkipped(t *testing.T) {
	te := newTestEngine(t, DefaultConfig())

	archiveBytes := buildZip(t, map[string][]byte{
		"../evil.txt": []byte("should not escape"),
		"safe.txt":    []byte("fine"),
	})

	archivePath := filepath.Join(te.root, "bad.zip")
	writeFile(t, archivePath, archiveBytes)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	require.Equal(t, 1, result.TotalFiles)
	require.NotEmpty(t, result.Warnings)
	require.Equal(t, 1, result.WarningsByCategory["security"])

	_, err = os.ReadFile(filepath.Join(target, "safe.txt"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(filepath.Dir(target), "evil.txt"))
	require.True(t, os.IsNotExist(err), "traversal entry must never be written outside the target tree")
}

// Scenario S5 (§8): three entries with the same declared name resolve to
// three pairwise-distinct on-disk names.
func TestExtractArchive_DuplicateFilenamesGetDistinctSuffixes(t *testing.T) {
	te := newTestEngine(t, DefaultConfig())

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i < 3; i++ {
		w, err := zw.Create("dup.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("same-bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	archivePath := filepath.Join(te.root, "dups.zip")
	writeFile(t, archivePath, buf.Bytes())

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalFiles)

	for _, name := range []string{"dup.txt", "dup_001.txt", "dup_002.txt"} {
		_, err := os.ReadFile(filepath.Join(target, name))
		require.NoError(t, err, "expected distinct file %s", name)
	}
}

// Scenario S2 (§8): a policy max_depth of 0 forbids descending into any
// nested archive; the nested archive is not recorded as a file either,
// and a depth-limit skip is recorded.
func TestExtractArchive_DepthLimitStopsDescent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MaxDepth = 0
	cfg.Thresholds = security.DefaultThresholds(0)
	te := newTestEngine(t, cfg)

	innerZip := buildZip(t, map[string][]byte{"b.txt": []byte("world")})
	outerZip := buildZip(t, map[string][]byte{"inner.zip": innerZip})

	archivePath := filepath.Join(te.root, "outer.zip")
	writeFile(t, archivePath, outerZip)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	// max_depth=0 means no entry past the root archive may ever be
	// recorded, whether it is itself an archive or a plain file.
	require.Equal(t, 0, result.TotalFiles)
	require.Equal(t, 1, result.DepthLimitSkips)

	_, err = os.Stat(filepath.Join(target, "inner.zip.d"))
	require.True(t, os.IsNotExist(err), "must not descend past max depth")
}

// Scenario S2 (§8): level0.zip -> level1.zip -> level2.zip -> file.txt with
// max_depth=2 must extract level1.zip and level2.zip but never file.txt,
// since file.txt (file or not) sits one level past the effective max depth.
func TestExtractArchive_DepthLimitSkipsPlainFileBeyondLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MaxDepth = 2
	cfg.Thresholds = security.DefaultThresholds(2)
	te := newTestEngine(t, cfg)

	level2Zip := buildZip(t, map[string][]byte{"file.txt": []byte("too deep")})
	level1Zip := buildZip(t, map[string][]byte{"level2.zip": level2Zip})
	level0Zip := buildZip(t, map[string][]byte{"level1.zip": level1Zip})

	archivePath := filepath.Join(te.root, "level0.zip")
	writeFile(t, archivePath, level0Zip)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	require.Equal(t, 2, result.TotalFiles, "level1.zip and level2.zip are extracted, file.txt is not")
	require.Equal(t, 1, result.DepthLimitSkips)
}

// §8 invariant 9: the same archive content recurring a second time within
// one extraction run is caught by the circular-reference detector, even
// though it arrives at two distinct virtual paths.
func TestExtractArchive_CircularReferenceDetected(t *testing.T) {
	te := newTestEngine(t, DefaultConfig())

	repeated := buildZip(t, map[string][]byte{"leaf.txt": []byte("same bytes every time")})
	outerZip := buildZip(t, map[string][]byte{
		"a.zip": repeated,
		"b.zip": repeated,
	})

	archivePath := filepath.Join(te.root, "outer.zip")
	writeFile(t, archivePath, outerZip)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	require.Equal(t, 1, result.WarningsByCategory["security"], "the second occurrence of the identical archive must be rejected")

	var sawCircular bool
	for _, ev := range result.SecurityEvents {
		if ev.Kind == audit.CircularReferenceDetected {
			sawCircular = true
		}
	}
	require.True(t, sawCircular, "CircularReferenceDetected must be recorded among the run's security events")
}

// §4.J: resolving a path long enough to trip the Path Manager's shortening
// must surface a PathShortened lifecycle event, not just a quiet rename.
func TestExtractArchive_EmitsPathShortenedLifecycleEvent(t *testing.T) {
	sink := &fakeAuditSink{}
	te := newTestEngineWithSink(t, DefaultConfig(), sink)

	longName := strings.Repeat("a", 250) + ".txt"
	archiveBytes := buildZip(t, map[string][]byte{longName: []byte("overflow")})

	archivePath := filepath.Join(te.root, "long.zip")
	writeFile(t, archivePath, archiveBytes)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalFiles)

	var sawPathShortened bool
	for _, ev := range sink.events {
		if ev.Kind == audit.PathShortened {
			sawPathShortened = true
		}
	}
	require.True(t, sawPathShortened, "a shortened path must raise a PathShortened lifecycle event")
}

// Scenario S3 (§8): an entry whose compression ratio crosses the
// configured threshold trips a High/Critical security event and halts
// further processing of that frame.
func TestExtractArchive_ZipBombTripsHardStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.CompressionRatio = 10
	cfg.Thresholds.ExponentialBackoff = 1e12 // keep severity at the ratio-only Critical tier for this test
	te := newTestEngine(t, cfg)

	// highly compressible payload: a large run of zero bytes, written
	// before after.txt so the entry order is fixed
	zeros := make([]byte, 2<<20)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{{"bomb.bin", zeros}, {"after.txt", []byte("should be skipped by hard stop")}} {
		w, err := zw.Create(entry.name)
		require.NoError(t, err)
		_, err = w.Write(entry.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	archiveBytes := buf.Bytes()

	archivePath := filepath.Join(te.root, "bomb.zip")
	writeFile(t, archivePath, archiveBytes)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	require.NotEmpty(t, result.SecurityEvents)
	require.Equal(t, "ZipBombDetected", result.SecurityEvents[0].Kind)

	// after.txt must not have been processed: the frame hard-stopped on
	// the entry immediately following the offending one.
	_, err = os.ReadFile(filepath.Join(target, "after.txt"))
	require.True(t, os.IsNotExist(err))
}

// Scenario S6 (§8): resuming after a checkpoint skips already-extracted
// entries instead of rewriting them.
func TestExtractArchive_ResumeSkipsAlreadyExtractedEntries(t *testing.T) {
	te := newTestEngine(t, DefaultConfig())

	archiveBytes := buildZip(t, map[string][]byte{
		"a.txt": []byte("hello"),
		"b.txt": []byte("world"),
	})
	archivePath := filepath.Join(te.root, "resume.zip")
	writeFile(t, archivePath, archiveBytes)

	cp, err := checkpoint.Open(te.root)
	require.NoError(t, err)
	require.NoError(t, cp.Save(&common.CheckpointRecord{
		WorkspaceID: "ws1", ArchivePath: archivePath,
		ExtractedNames: map[string]struct{}{"a.txt": {}},
	}))

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	// only b.txt should count as freshly extracted this run
	require.Equal(t, 1, result.TotalFiles)
	_, err = os.ReadFile(filepath.Join(target, "b.txt"))
	require.NoError(t, err)
}

func TestExtractArchive_RejectsInvalidWorkspaceID(t *testing.T) {
	te := newTestEngine(t, DefaultConfig())
	_, err := te.eng.ExtractArchive(context.Background(), "/dev/null", "/tmp", "not a valid id!")
	require.Error(t, err)
}

// §6.1's file-type filter supplement: an entry whose name matches a
// configured skip_mime_patterns glob is never written to disk, but still
// counted as a skip warning rather than silently dropped.
func TestExtractArchive_SkipMimePatternEntrySkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipMimePatterns = []string{"*.exe"}
	te := newTestEngine(t, cfg)

	archiveBytes := buildZip(t, map[string][]byte{
		"payload.exe": []byte("MZ fake binary"),
		"readme.txt":  []byte("keep me"),
	})

	archivePath := filepath.Join(te.root, "mixed.zip")
	writeFile(t, archivePath, archiveBytes)

	target := filepath.Join(te.root, "out")
	result, err := te.eng.ExtractArchive(context.Background(), archivePath, target, "ws1")
	require.NoError(t, err)

	require.Equal(t, 1, result.TotalFiles)
	require.Equal(t, 1, result.WarningsByCategory["format"])

	_, err = os.ReadFile(filepath.Join(target, "readme.txt"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(target, "payload.exe"))
	require.True(t, os.IsNotExist(err), "skip-matched entry must never be written")
}
