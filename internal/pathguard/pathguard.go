// Package pathguard decides whether a script path lies inside one of the
// directories scripts may be executed from. It is purely lexical and never
// touches the filesystem, so symlinks are not resolved.
package pathguard

import (
	"path/filepath"
	"strings"
)

// IsPathAllowed reports whether path is a strict descendant of any of
// allowedDirs once both sides are made absolute and cleaned. A directory
// prefix only matches on a separator boundary, so /uploads-evil is outside
// /uploads.
func IsPathAllowed(path string, allowedDirs []string) bool {
	if strings.TrimSpace(path) == "" || strings.ContainsRune(path, 0) {
		return false
	}
	candidate, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, dir := range allowedDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		base, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if strings.HasPrefix(candidate, withSeparator(base)) {
			return true
		}
	}
	return false
}

// AllowedScriptDirs merges defaults with a comma separated list (typically the
// ALLOWED_SCRIPT_DIRS variable). Entries are trimmed and made absolute, blanks
// are dropped and duplicates removed keeping the first occurrence.
func AllowedScriptDirs(defaults []string, list string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(dir string) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}

	for _, d := range defaults {
		add(d)
	}
	for _, d := range strings.Split(list, ",") {
		add(d)
	}
	return out
}

func withSeparator(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		// filesystem root
		return dir
	}
	return dir + string(filepath.Separator)
}
