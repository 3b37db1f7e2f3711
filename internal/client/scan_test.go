package client

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"testing"
)

func discard(string) {}

func TestParseRenames(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig.txt")
	if err := os.WriteFile(orig, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	inputs := []string{orig + ":renamed.txt", orig, filepath.Join(dir, "missing.txt")}
	out, renames := ParseRenames(inputs)

	if len(out) != 3 || out[0] != orig || out[1] != orig {
		t.Errorf("inputs after parse = %v", out)
	}
	if got := renames[canonical(orig)]; got != "renamed.txt" {
		t.Errorf("rename for %s = %q, want renamed.txt", orig, got)
	}
}

func TestParseRenamesIgnoresPlainFiles(t *testing.T) {
	dir := t.TempDir()
	// A real file whose name contains a colon must not be treated as a
	// rename directive.
	weird := filepath.Join(dir, "a:b")
	if err := os.WriteFile(weird, []byte("x"), 0o644); err != nil {
		t.Skipf("filesystem rejects colon in name: %v", err)
	}

	out, renames := ParseRenames([]string{weird})
	if len(renames) != 0 {
		t.Errorf("renames = %v, want none", renames)
	}
	if !reflect.DeepEqual(out, []string{weird}) {
		t.Errorf("inputs = %v", out)
	}
}

func TestBuildFileListRecursion(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "sub/b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// Without -r a directory input contributes nothing.
	if got := BuildFileList([]string{dir}, false, discard); len(got) != 0 {
		t.Errorf("non-recursive list = %v, want empty", got)
	}

	got := BuildFileList([]string{dir}, true, discard)
	sort.Strings(got)
	want := []string{filepath.Join(dir, "a.txt"), filepath.Join(sub, "b.txt")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("recursive list = %v, want %v", got, want)
	}
}

func TestBuildFileListSymlinkCycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// dir/loop -> dir creates a cycle.
	if err := os.Symlink(dir, filepath.Join(dir, "loop")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	got := BuildFileList([]string{dir}, true, discard)
	if len(got) != 1 {
		t.Errorf("cyclic scan found %d files (%v), want 1", len(got), got)
	}
}

func TestWireName(t *testing.T) {
	renames := RenameMap{}
	if got := WireName(filepath.Join("some", "dir", "f.bin"), false, renames); got != "f.bin" {
		t.Errorf("stripped name = %q, want f.bin", got)
	}
	if got := WireName(filepath.Join("some", "dir", "f.bin"), true, renames); got != "some/dir/f.bin" {
		t.Errorf("kept path = %q, want some/dir/f.bin", got)
	}
}

func TestWireNameRenamed(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig.txt")
	if err := os.WriteFile(orig, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	renames := RenameMap{canonical(orig): "sent-as.txt"}

	if got := WireName(orig, false, renames); got != "sent-as.txt" {
		t.Errorf("renamed wire name = %q, want sent-as.txt", got)
	}
}
