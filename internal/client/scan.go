package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RenameMap maps a canonicalized local path to the filename transmitted
// in its place.
type RenameMap map[string]string

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// ParseRenames extracts "orig:new" entries from the input list. An entry
// counts as a rename only when it does not itself name an existing file
// and its part before the colon does. The returned inputs have rename
// entries replaced by the original path.
func ParseRenames(inputs []string) ([]string, RenameMap) {
	renames := make(RenameMap)
	out := make([]string, 0, len(inputs))

	for _, item := range inputs {
		if _, err := os.Stat(item); err == nil {
			out = append(out, item)
			continue
		}
		orig, newName, ok := strings.Cut(item, ":")
		if ok && newName != "" {
			if _, err := os.Stat(orig); err == nil {
				renames[canonical(orig)] = newName
				out = append(out, orig)
				continue
			}
		}
		out = append(out, item)
	}

	return out, renames
}

// BuildFileList expands the input list into the files to send.
// Directories are descended only with recursive set; a visited set of
// resolved directory paths guards against symlink cycles. Unreadable or
// missing entries are reported and skipped.
func BuildFileList(inputs []string, recursive bool, report func(string)) []string {
	var files []string
	visited := make(map[string]bool)

	for _, item := range inputs {
		info, err := os.Stat(item)
		if err != nil {
			report(fmt.Sprintf("cannot read item: %s", item))
			continue
		}
		if info.IsDir() {
			if recursive {
				files = append(files, scanDir(item, visited, report)...)
			}
			continue
		}
		files = append(files, item)
	}

	return files
}

func scanDir(dir string, visited map[string]bool, report func(string)) []string {
	key := canonical(dir)
	if visited[key] {
		return nil
	}
	visited[key] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		report(fmt.Sprintf("cannot read dir: %s", dir))
		return nil
	}

	var files []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			report(fmt.Sprintf("cannot read item: %s", path))
			continue
		}
		if info.IsDir() {
			files = append(files, scanDir(path, visited, report)...)
			continue
		}
		files = append(files, path)
	}
	return files
}

// WireName derives the filename transmitted for a local path: the rename
// substitution when one was given, with directory components stripped
// unless keepPath is set. The wire form always uses forward slashes.
func WireName(path string, keepPath bool, renames RenameMap) string {
	name := path
	if mapped, ok := renames[canonical(path)]; ok {
		name = mapped
	}
	if !keepPath {
		name = filepath.Base(name)
	}
	return filepath.ToSlash(name)
}
