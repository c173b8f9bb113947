package buildcontext

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHashStability(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello", "sub/b.txt": "world"})

	c := &Context{Name: "default", BaseDir: root}
	h1, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s != %s", h1, h2)
	}
}

func TestHashSensitivity(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello", "ignored.log": "x"})

	c := &Context{Name: "default", BaseDir: root, Ignore: []string{"*.log"}}
	before, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}

	// Changing a non-ignored file changes the hash.
	writeTree(t, root, map[string]string{"a.txt": "hello!"})
	afterNonIgnored, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}
	if before == afterNonIgnored {
		t.Fatalf("expected hash to change after editing a non-ignored file")
	}

	// Changing an ignored file does not.
	writeTree(t, root, map[string]string{"ignored.log": "y"})
	afterIgnored, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}
	if afterNonIgnored != afterIgnored {
		t.Fatalf("expected hash to stay stable after editing an ignored file")
	}
}

func TestTarContainsFilteredFilesWithContent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello", "ignored.log": "x", "sub/b.txt": "world"})

	c := &Context{Name: "default", BaseDir: root, Ignore: []string{"*.log"}}
	r, err := Tar(c)
	if err != nil {
		t.Fatal(err)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatal(err)
			}
			contents[hdr.Name] = string(data)
		}
	}

	if contents["a.txt"] != "hello" {
		t.Errorf("a.txt = %q, want hello", contents["a.txt"])
	}
	if contents["sub/b.txt"] != "world" {
		t.Errorf("sub/b.txt = %q, want world", contents["sub/b.txt"])
	}
	if _, ok := contents["ignored.log"]; ok {
		t.Errorf("ignored.log should not be present in the tar")
	}
}

func TestUmaskSemantics(t *testing.T) {
	var umask uint32 = 0o022
	// Owner rwx (0o7) copied to group/other then masked: 0o777 & ^0o022 = 0o755.
	if got := applyUmask(0o744, &umask); got != 0o755 {
		t.Fatalf("applyUmask(0o744, 0o022) = %o, want 0o755", got)
	}
	if got := applyUmask(0o640, nil); got != 0o640 {
		t.Fatalf("applyUmask with nil umask should preserve raw bits, got %o", got)
	}
}
