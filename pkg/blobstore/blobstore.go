// Package blobstore implements the Blob Store (CAS) component (§4.C):
// content-addressed storage of file bytes keyed by SHA-256.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// Store is the concrete CAS, laid out as <root>/objects/XX/YY/<62-hex>
// per §4.C.
type Store struct {
	root string
}

// New creates a Store rooted at <workspaceRoot>/objects.
func New(workspaceRoot string) (*Store, error) {
	root := filepath.Join(workspaceRoot, "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob store root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) pathFor(hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("malformed hash %q: expected 64 hex characters", hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash[4:]), nil
}

// StoreContent reads r fully, computing its SHA-256 while streaming to a
// temporary sibling file, then atomically renames it into place. Writing
// identical bytes twice yields the same hash and the second write is a
// no-op (§4.C invariant).
func (s *Store) StoreContent(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.root, "blob-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, common.NewError(common.KindBlobError, common.SeverityWarning, "", fmt.Errorf("writing blob: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", 0, common.NewError(common.KindBlobError, common.SeverityWarning, "", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dest, err := s.pathFor(hash)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating blob shard directories: %w", err)
	}

	lock := flock.New(dest + ".lock")
	if err := lock.Lock(); err == nil {
		defer lock.Unlock()
	}

	if _, err := os.Stat(dest); err == nil {
		// Deduplication: identical content already stored, this write is a
		// no-op beyond the discarded temp file.
		log.Debug().Str("hash", hash).Msg("blob already present, skipping write")
		return hash, size, nil
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		if os.IsExist(err) {
			return hash, size, nil
		}
		return "", 0, common.NewError(common.KindBlobError, common.SeverityWarning, "", fmt.Errorf("renaming blob into place: %w", err))
	}

	return hash, size, nil
}

// StoreFile streams the file at path into the CAS without loading it
// entirely into memory, using ComputeHashIncremental's same streaming
// discipline.
func (s *Store) StoreFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s for storage: %w", path, err)
	}
	defer f.Close()
	return s.StoreContent(f)
}

// ReadContent opens the blob for hash. Reading a hash that does not exist
// returns common.ErrNotFound.
func (s *Store) ReadContent(hash string) (io.ReadCloser, error) {
	p, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Exists reports whether a blob for hash is present.
func (s *Store) Exists(hash string) bool {
	p, err := s.pathFor(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Size reports the stored byte length of hash without reading its content,
// for callers (read_file_by_hash, §6) that need the size alongside a
// freshly opened ReadContent stream.
func (s *Store) Size(hash string) (int64, error) {
	p, err := s.pathFor(hash)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, common.ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// VerifyIntegrity recomputes the hash of the stored blob and compares it
// to the key, per §4.C's contract. After a successful StoreContent, this
// must return true (§8 invariant 4).
func (s *Store) VerifyIntegrity(hash string) (bool, error) {
	rc, err := s.ReadContent(hash)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return false, fmt.Errorf("reading blob for verification: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)) == hash, nil
}

// ComputeHashIncremental hashes the file at path without loading the whole
// file into memory, streaming through a fixed-size buffer.
func ComputeHashIncremental(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 256*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
