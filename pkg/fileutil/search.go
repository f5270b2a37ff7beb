// Package fileutil locates the opsdeck configuration file.
package fileutil

import (
	"os"
	"path/filepath"
)

// DefaultConfigPaths returns the config search locations in precedence
// order: working directory, ./config subdirectory, then /etc/opsdeck.
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join("/etc/opsdeck", filename),
	}
}

// FirstExisting returns the first path that exists, or "" when none do.
func FirstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
