package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tplbuilddata.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Salt() != "" {
		t.Errorf("Salt() = %q, want empty", s.Salt())
	}
	if _, ok := s.SourceDigest("python", "3.10", "linux/amd64"); ok {
		t.Errorf("expected no source digest in a fresh store")
	}
}

func TestFlushThenReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tplbuilddata.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.SetSalt("s1")
	s.SetSourceDigest("python", "3.10", "linux/amd64", "sha256:D1")
	s.SetBaseDigest("H1", "linux/amd64", "sha256:B1")

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	if reopened.Salt() != "s1" {
		t.Errorf("Salt() = %q, want s1", reopened.Salt())
	}
	d, ok := reopened.SourceDigest("python", "3.10", "linux/amd64")
	if !ok || d != "sha256:D1" {
		t.Errorf("SourceDigest() = (%q, %v), want (sha256:D1, true)", d, ok)
	}
	b, ok := reopened.BaseDigest("H1", "linux/amd64")
	if !ok || b != "sha256:B1" {
		t.Errorf("BaseDigest() = (%q, %v), want (sha256:B1, true)", b, ok)
	}
}

func TestFlushIsIdempotentByteForByte(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tplbuilddata.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.SetSourceDigest("python", "3.10", "linux/amd64", "sha256:D1")
	if err := s.Flush(); err != nil {
		t.Fatalf("first Flush() error = %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if d, _ := reopened.SourceDigest("python", "3.10", "linux/amd64"); d != "sha256:D1" {
		t.Fatalf("unexpected digest before re-flush: %q", d)
	}
	if err := reopened.Flush(); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Errorf("running source-update twice against the same state changed the file:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestOpenRejectsCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tplbuilddata.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected Open() to reject a corrupted state file")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tplbuilddata.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.SetSourceDigest("python", "3.10", "linux/amd64", "sha256:D1")
	snap := s.Snapshot()
	s.SetSourceDigest("python", "3.10", "linux/amd64", "sha256:D2")
	if snap.Sources["python:3.10@linux/amd64"] != "sha256:D1" {
		t.Errorf("snapshot should not observe later mutations, got %v", snap.Sources)
	}
}
