package filecache

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"golang.org/x/text/cases"
)

var folder = cases.Fold()

// compileExcludes turns shell-style exclude globs (`*` any run of
// characters, `?` single character) into case-insensitive regexes. Folding
// both pattern and candidate through golang.org/x/text/cases rather than
// regexp's ASCII-only (?i) flag keeps matching correct for non-ASCII path
// components.
func compileExcludes(excludes []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(excludes))

	for _, raw := range excludes {
		var b strings.Builder
		b.WriteString("^")

		for _, r := range folder.String(raw) {
			switch r {
			case '*':
				b.WriteString(".*")
			case '?':
				b.WriteString(".")
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}

		b.WriteString("$")

		re, err := regexp.Compile(b.String())
		if err != nil {
			return nil, fmt.Errorf("filecache: compiling exclude pattern %q: %w", raw, err)
		}

		patterns = append(patterns, re)
	}

	return patterns, nil
}

func matchesAny(patterns []*regexp.Regexp, relativePath string) bool {
	folded := folder.String(relativePath)

	for _, p := range patterns {
		if p.MatchString(folded) {
			return true
		}
	}

	return false
}

// traverse walks root and returns every reachable regular file, keyed by
// absolute path, excluding symlinks, non-regular files, and anything
// matching an exclude pattern relative to root.
func traverse(root string, excludes []string) (map[string]FileState, error) {
	patterns, err := compileExcludes(excludes)
	if err != nil {
		return nil, err
	}

	out := make(map[string]FileState)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("filecache: walking %s: %w", path, err)
		}

		if path == root {
			return nil
		}

		relativePath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return fmt.Errorf("filecache: computing relative path for %s: %w", path, relErr)
		}

		if matchesAny(patterns, relativePath) {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("filecache: stat %s: %w", path, infoErr)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("filecache: no syscall stat available for %s", path)
		}

		out[path] = FileState{
			Path:    path,
			Size:    info.Size(),
			MtimeNs: info.ModTime().UnixNano(),
			Ino:     stat.Ino,
			Mode:    uint32(info.Mode().Perm()),
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
