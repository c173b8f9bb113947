// Package buildcontext resolves named build contexts to a filtered file
// tree and computes their content hash.
package buildcontext

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/banksean/tplbuild/internal/errs"
	"github.com/banksean/tplbuild/internal/ignore"
)

// Context is a named, directory-rooted file tree filtered by an
// ignore-pattern list.
type Context struct {
	Name       string
	BaseDir    string
	Umask      *uint32 // nil means preserve raw mode bits
	IgnoreFile string
	Ignore     []string
}

// entry is one filtered tree member, ordered and hashed deterministically.
type entry struct {
	relPath string
	kind    string // "file", "dir", "symlink"
	mode    uint32
	size    int64
	target  string // symlink target
	content string // hex sha256, files only
}

// Hash walks c.BaseDir, applies the ignore matcher (inline patterns plus
// the optional ignore file, both dockerignore-syntax), and returns the
// rolling hash over the canonicalised, lexicographically sorted entry
// list — the ContextImage's files_hash.
func Hash(c *Context) (string, error) {
	entries, err := filteredEntries(c)
	if err != nil {
		return "", err
	}

	h := xxhash.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%o\x00%d\x00%s\x00", e.relPath, e.kind, e.mode, e.size, e.content)
	}
	sum := make([]byte, 8)
	binary.BigEndian.PutUint64(sum, h.Sum64())
	return hex.EncodeToString(sum), nil
}

// Tar streams c's filtered file tree as a gzip-compressed tar archive,
// the wire format the builder-client reads build contexts from.
func Tar(c *Context) (io.Reader, error) {
	entries, err := filteredEntries(c)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.relPath, ModTime: modTimeEpoch}
		switch e.kind {
		case "dir":
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = int64(e.mode)
		case "symlink":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.target
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = int64(e.mode)
			hdr.Size = e.size
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, &errs.ContextError{Context: c.Name, Msg: "writing tar header", Err: err}
		}
		if e.kind == "file" {
			f, err := os.Open(filepath.Join(c.BaseDir, filepath.FromSlash(e.relPath)))
			if err != nil {
				return nil, &errs.ContextError{Context: c.Name, Msg: "opening context file", Err: err}
			}
			_, copyErr := io.Copy(tw, f)
			f.Close()
			if copyErr != nil {
				return nil, &errs.ContextError{Context: c.Name, Msg: "streaming context file", Err: copyErr}
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, &errs.ContextError{Context: c.Name, Msg: "closing tar writer", Err: err}
	}
	if err := gw.Close(); err != nil {
		return nil, &errs.ContextError{Context: c.Name, Msg: "closing gzip writer", Err: err}
	}
	return &buf, nil
}

// modTimeEpoch keeps tar headers content-addressable: two identical file
// trees produce byte-identical archives regardless of on-disk mtimes.
var modTimeEpoch time.Time

// filteredEntries walks c.BaseDir once, applying the ignore matcher, and
// returns the canonicalised, lexicographically sorted member list shared
// by Hash and Tar.
func filteredEntries(c *Context) ([]entry, error) {
	lines := append([]string{}, c.Ignore...)
	if c.IgnoreFile != "" {
		data, err := os.ReadFile(filepath.Join(c.BaseDir, c.IgnoreFile))
		if err != nil && !os.IsNotExist(err) {
			return nil, &errs.ContextError{Context: c.Name, Msg: "reading ignore file", Err: err}
		}
		if err == nil {
			lines = append(lines, splitLines(string(data))...)
		}
	}
	matcher := ignore.Compile(lines)

	var entries []entry
	err := filepath.WalkDir(c.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == c.BaseDir {
			return nil
		}
		rel, err := filepath.Rel(c.BaseDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{relPath: rel, kind: "symlink", target: target})
		case d.IsDir():
			entries = append(entries, entry{relPath: rel, kind: "dir", mode: applyUmask(uint32(info.Mode().Perm()), c.Umask)})
		default:
			sum, err := hashFile(path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{
				relPath: rel,
				kind:    "file",
				mode:    applyUmask(uint32(info.Mode().Perm()), c.Umask),
				size:    info.Size(),
				content: sum,
			})
		}
		return nil
	})
	if err != nil {
		return nil, &errs.ContextError{Context: c.Name, Msg: "walking context tree", Err: err}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })
	return entries, nil
}

// applyUmask applies umask semantics: nil preserves raw mode bits;
// otherwise copy the owner bits to group/other, then clear bits set in
// the umask.
func applyUmask(mode uint32, umask *uint32) uint32 {
	if umask == nil {
		return mode
	}
	owner := (mode >> 6) & 0o7
	mode = owner<<6 | owner<<3 | owner
	return mode &^ *umask
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
