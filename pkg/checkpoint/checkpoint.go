// Package checkpoint implements the Checkpoint Store component (§4.G):
// per-archive progress snapshots that let the Extraction Engine resume
// after a crash instead of re-extracting already-processed entries.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// onDiskRecord is the gob-serialized shape; common.CheckpointRecord's set
// is exposed as a map in memory but a sorted slice on disk for determinism.
type onDiskRecord struct {
	WorkspaceID    string
	ArchivePath    string
	ExtractedNames []string
	FileCount      int64
	ByteCount      int64
	Timestamp      time.Time
}

// Store persists checkpoint files under <workspaceRoot>/checkpoints/, named
// by a hash of the (workspace, archive path) pair per §6's
// "checkpoints/<archive-fingerprint>.ckpt" layout.
type Store struct {
	dir string
}

// Open ensures the checkpoints directory exists under workspaceRoot.
func Open(workspaceRoot string) (*Store, error) {
	dir := filepath.Join(workspaceRoot, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func fingerprint(workspaceID, archivePath string) string {
	sum := sha256.Sum256([]byte(workspaceID + "\x00" + archivePath))
	return hex.EncodeToString(sum[:])
}

func (s *Store) pathFor(workspaceID, archivePath string) string {
	return filepath.Join(s.dir, fingerprint(workspaceID, archivePath)+".ckpt")
}

// Save persists rec, triggered by the Engine every checkpoint.file_interval
// entries or checkpoint.byte_interval bytes. Writes are best-effort: a
// failure here is reported as a warning by the caller, never aborts
// extraction (§4.G).
func (s *Store) Save(rec *common.CheckpointRecord) error {
	names := make([]string, 0, len(rec.ExtractedNames))
	for n := range rec.ExtractedNames {
		names = append(names, n)
	}
	sort.Strings(names)

	disk := onDiskRecord{
		WorkspaceID:    rec.WorkspaceID,
		ArchivePath:    rec.ArchivePath,
		ExtractedNames: names,
		FileCount:      rec.FileCount,
		ByteCount:      rec.ByteCount,
		Timestamp:      rec.Timestamp,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(disk); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	checksum := crc64.Checksum(buf.Bytes(), crcTable)
	payload := buf.Bytes()

	finalPath := s.pathFor(rec.WorkspaceID, rec.ArchivePath)
	lock := flock.New(finalPath + ".lock")
	if err := lock.Lock(); err == nil {
		defer lock.Unlock()
	}

	tmp, err := os.CreateTemp(s.dir, "ckpt-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing checkpoint payload: %w", err)
	}
	var checksumBytes [8]byte
	for i := 0; i < 8; i++ {
		checksumBytes[i] = byte(checksum >> (8 * i))
	}
	if _, err := tmp.Write(checksumBytes[:]); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing checkpoint checksum: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing checkpoint: %w", err)
	}

	return nil
}

// Load reads the checkpoint for (workspaceID, archivePath), if any.
// Returns found=false (not an error) when none exists. A corrupted or
// truncated checkpoint (crc64 mismatch) is discarded and reported as not
// found rather than trusted (§6.1 supplement, grounded on
// original_source's storage/integrity.rs).
func (s *Store) Load(workspaceID, archivePath string) (*common.CheckpointRecord, bool, error) {
	path := s.pathFor(workspaceID, archivePath)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading checkpoint: %w", err)
	}

	if len(raw) < 8 {
		log.Warn().Str("path", path).Msg("checkpoint too short, discarding")
		return nil, false, nil
	}

	payload, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
	var want uint64
	for i := 0; i < 8; i++ {
		want |= uint64(trailer[i]) << (8 * i)
	}
	if crc64.Checksum(payload, crcTable) != want {
		log.Warn().Str("path", path).Msg("checkpoint checksum mismatch, discarding")
		return nil, false, nil
	}

	var disk onDiskRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&disk); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("checkpoint decode failed, discarding")
		return nil, false, nil
	}

	names := make(map[string]struct{}, len(disk.ExtractedNames))
	for _, n := range disk.ExtractedNames {
		names[n] = struct{}{}
	}

	return &common.CheckpointRecord{
		WorkspaceID:    disk.WorkspaceID,
		ArchivePath:    disk.ArchivePath,
		ExtractedNames: names,
		FileCount:      disk.FileCount,
		ByteCount:      disk.ByteCount,
		Timestamp:      disk.Timestamp,
	}, true, nil
}

// Delete removes the checkpoint for an archive whose frame popped
// normally (§4.G). On abnormal termination it is left in place so it can
// be used for resume.
func (s *Store) Delete(workspaceID, archivePath string) error {
	err := os.Remove(s.pathFor(workspaceID, archivePath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IntervalTrigger decides when the Engine should call Save, firing every
// FileInterval entries or ByteInterval bytes, whichever comes first (§4.G).
type IntervalTrigger struct {
	FileInterval int64
	ByteInterval int64

	entriesSinceLast int64
	bytesSinceLast   int64
}

// Observe records progress since the last checkpoint and reports whether
// a checkpoint should be written now.
func (t *IntervalTrigger) Observe(deltaEntries int64, deltaBytes int64) bool {
	t.entriesSinceLast += deltaEntries
	t.bytesSinceLast += deltaBytes

	due := (t.FileInterval > 0 && t.entriesSinceLast >= t.FileInterval) ||
		(t.ByteInterval > 0 && t.bytesSinceLast >= t.ByteInterval)

	if due {
		t.entriesSinceLast = 0
		t.bytesSinceLast = 0
	}
	return due
}
