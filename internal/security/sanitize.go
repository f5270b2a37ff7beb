// Package security validates externally supplied identifiers before they
// reach routing, logging or the event loop.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	projectPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	repoPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+/[a-zA-Z0-9_.-]+$`)
	userPattern    = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateProjectName ensures project name is safe for use in paths and URLs.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("project name cannot start with '-' or '.'")
	}
	if !projectPattern.MatchString(name) {
		return fmt.Errorf("project name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateBranchName ensures branch name is safe to embed in refs and logs.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateRepo ensures a repository reference is in "owner/name" form.
func ValidateRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("repository cannot be empty")
	}
	if !repoPattern.MatchString(repo) {
		return fmt.Errorf("repo must be 'owner/name'")
	}
	return nil
}

// ValidateUserID ensures a user identifier is safe for storage keys and
// URLs.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if strings.HasPrefix(id, "-") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("user id cannot start with '-' or '.'")
	}
	if !userPattern.MatchString(id) {
		return fmt.Errorf("user id contains invalid characters")
	}
	return nil
}
