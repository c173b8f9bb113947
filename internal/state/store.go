// Package state persists source-image locks and base-image build results
// to a single on-disk JSON document.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/banksean/tplbuild/internal/errs"
)

const currentVersion = 1

// Document is the on-disk shape of .tplbuilddata.json.
type Document struct {
	Version    int                          `json:"version"`
	Salt       string                       `json:"salt"`
	Sources    map[string]string            `json:"sources"`     // "repo:tag@platform" -> digest
	BaseImages map[string]map[string]string `json:"base_images"` // content_hash -> platform -> digest
}

func emptyDocument() Document {
	return Document{
		Version:    currentVersion,
		Sources:    map[string]string{},
		BaseImages: map[string]map[string]string{},
	}
}

// Store guards one Document with a single-writer mutex, flushed to path
// via write-temp-then-rename. Cross-process access is not protected.
type Store struct {
	path string
	mu   sync.Mutex
	doc  Document
}

// Open loads path if it exists, or starts from an empty document. A
// missing file is not an error; a malformed one is StateError.
func Open(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{path: path, doc: emptyDocument()}, nil
	}
	if err != nil {
		return nil, &errs.StateError{Path: path, Err: err}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &errs.StateError{Path: path, Err: err}
	}
	if doc.Sources == nil {
		doc.Sources = map[string]string{}
	}
	if doc.BaseImages == nil {
		doc.BaseImages = map[string]map[string]string{}
	}
	return &Store{path: path, doc: doc}, nil
}

// sourceKey builds the "repo:tag@platform" lookup key for locked source digests.
func sourceKey(repo, tag, platform string) string {
	return fmt.Sprintf("%s:%s@%s", repo, tag, platform)
}

// Salt returns the current project salt.
func (s *Store) Salt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Salt
}

// SetSalt rotates the salt, invalidating every base-image content hash
// computed against the old value (the hash inputs change, not this
// store's records, which are keyed by hash and simply stop matching).
func (s *Store) SetSalt(salt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Salt = salt
}

// SourceDigest looks up a locked source-image digest.
func (s *Store) SourceDigest(repo, tag, platform string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doc.Sources[sourceKey(repo, tag, platform)]
	return d, ok
}

// SetSourceDigest records a resolved source-image digest.
func (s *Store) SetSourceDigest(repo, tag, platform, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sources[sourceKey(repo, tag, platform)] = digest
}

// BaseDigest looks up a cached base-image digest for a content hash and
// platform.
func (s *Store) BaseDigest(contentHash, platform string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlatform, ok := s.doc.BaseImages[contentHash]
	if !ok {
		return "", false
	}
	d, ok := byPlatform[platform]
	return d, ok
}

// SetBaseDigest records a built or probed base-image digest.
func (s *Store) SetBaseDigest(contentHash, platform, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlatform, ok := s.doc.BaseImages[contentHash]
	if !ok {
		byPlatform = map[string]string{}
		s.doc.BaseImages[contentHash] = byPlatform
	}
	byPlatform[platform] = digest
}

// Snapshot returns a deep copy of the current document, for callers that
// need to compare successive flushes (e.g. idempotence tests).
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Document{Version: s.doc.Version, Salt: s.doc.Salt}
	out.Sources = make(map[string]string, len(s.doc.Sources))
	for k, v := range s.doc.Sources {
		out.Sources[k] = v
	}
	out.BaseImages = make(map[string]map[string]string, len(s.doc.BaseImages))
	for k, v := range s.doc.BaseImages {
		cp := make(map[string]string, len(v))
		for pk, pv := range v {
			cp[pk] = pv
		}
		out.BaseImages[k] = cp
	}
	return out
}

// Flush serialises the document and atomically replaces the on-disk file:
// write to a temp file in the same directory, then rename over the
// target, so a crash mid-write never leaves a truncated document.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return &errs.StateError{Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tplbuilddata-*.json.tmp")
	if err != nil {
		return &errs.StateError{Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return &errs.StateError{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errs.StateError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &errs.StateError{Path: s.path, Err: err}
	}
	return nil
}
