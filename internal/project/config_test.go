package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateProjectConfig_ValidConfig(t *testing.T) {
	config := ProjectConfig{
		Repo:        "acme/web",
		Secret:      "valid-secret-with-at-least-32-chars-here",
		Branch:      "main",
		Environment: "production",
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) > 0 {
		t.Errorf("Expected valid config to pass validation, got errors: %v", errors)
	}
}

func TestValidateProjectConfig_MissingRepo(t *testing.T) {
	config := ProjectConfig{
		Secret: "valid-secret-with-at-least-32-chars-here",
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) == 0 {
		t.Error("Expected missing repo to be rejected")
	}

	found := false
	for _, err := range errors {
		if strings.Contains(err, "missing required 'repo'") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected missing repo error, got: %v", errors)
	}
}

func TestValidateProjectConfig_MalformedRepo(t *testing.T) {
	testCases := []string{"web", "acme/", "/web", "acme/web/extra"}

	for _, repo := range testCases {
		config := ProjectConfig{
			Repo:   repo,
			Secret: "valid-secret-with-at-least-32-chars-here",
		}

		errors := ValidateProjectConfig("test-project", config)
		found := false
		for _, err := range errors {
			if strings.Contains(err, "repo must be 'owner/name'") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected repo format error for %q, got: %v", repo, errors)
		}
	}
}

func TestValidateProjectConfig_ShortSecret(t *testing.T) {
	config := ProjectConfig{
		Repo:   "acme/web",
		Secret: "short", // Less than 32 characters
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) == 0 {
		t.Error("Expected short secret to be rejected")
	}

	found := false
	for _, err := range errors {
		if strings.Contains(err, "secret too short") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected 'secret too short' error, got: %v", errors)
	}
}

func TestValidateProjectConfig_PlaceholderSecret(t *testing.T) {
	config := ProjectConfig{
		Repo:   "acme/web",
		Secret: "password",
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) == 0 {
		t.Error("Expected placeholder secret to be rejected")
	}

	foundSecretError := false
	for _, err := range errors {
		if strings.Contains(err, "secret") {
			foundSecretError = true
			break
		}
	}
	if !foundSecretError {
		t.Errorf("Expected secret-related error, got: %v", errors)
	}
}

func TestValidateProjectConfig_InvalidBranch(t *testing.T) {
	config := ProjectConfig{
		Repo:   "acme/web",
		Secret: "valid-secret-with-at-least-32-chars-here",
		Branch: "-invalid-branch-name",
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) == 0 {
		t.Error("Expected branch starting with '-' to be rejected")
	}

	found := false
	for _, err := range errors {
		if strings.Contains(err, "cannot start with '-'") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected branch validation error, got: %v", errors)
	}
}

func TestValidateProjectConfig_BranchWithShellCharacters(t *testing.T) {
	config := ProjectConfig{
		Repo:   "acme/web",
		Secret: "valid-secret-with-at-least-32-chars-here",
		Branch: "main;rm -rf /",
	}

	errors := ValidateProjectConfig("test-project", config)
	found := false
	for _, err := range errors {
		if strings.Contains(err, "invalid characters") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected branch character validation error, got: %v", errors)
	}
}

func TestValidateProjectConfig_BadProjectName(t *testing.T) {
	config := ProjectConfig{
		Repo:   "acme/web",
		Secret: "valid-secret-with-at-least-32-chars-here",
	}

	errors := ValidateProjectConfig("web;rm", config)
	if len(errors) == 0 {
		t.Error("Expected project name with shell characters to be rejected")
	}
}

func TestValidateProjectConfig_InvalidEnvironment(t *testing.T) {
	config := ProjectConfig{
		Repo:        "acme/web",
		Secret:      "valid-secret-with-at-least-32-chars-here",
		Environment: "qa",
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) == 0 {
		t.Error("Expected unknown environment to be rejected")
	}

	found := false
	for _, err := range errors {
		if strings.Contains(err, "environment must be") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected environment error, got: %v", errors)
	}
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yml")
	content := `
user: alice
projects:
  web:
    repo: acme/web
    secret: valid-secret-with-at-least-32-chars-here
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, projects, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.Host != DefaultHost || config.Server.Port != DefaultPort {
		t.Errorf("Expected server defaults, got %s:%d", config.Server.Host, config.Server.Port)
	}
	if config.Database != DefaultDatabase {
		t.Errorf("Expected default database path, got %q", config.Database)
	}
	if config.PresenceTimeout != DefaultPresenceTimeout {
		t.Errorf("Expected default presence timeout, got %d", config.PresenceTimeout)
	}

	web := projects["web"]
	if web == nil {
		t.Fatal("Expected project 'web'")
	}
	if web.Branch != "main" {
		t.Errorf("Expected default branch 'main', got %q", web.Branch)
	}
	if web.Environment != "production" {
		t.Errorf("Expected default environment 'production', got %q", web.Environment)
	}
}

func TestLoadConfig_MissingUser(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(configPath, []byte("projects: {}\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected missing user to be rejected")
	}
}

func TestLoadConfig_InvalidUser(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yml")
	content := `
user: "alice smith"
projects: {}
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, _, err := LoadConfig(configPath)
	if err == nil {
		t.Fatal("Expected invalid user id to be rejected")
	}
	if !strings.Contains(err.Error(), "user") {
		t.Errorf("Expected user validation error, got: %v", err)
	}
}

func TestLoadConfig_InvalidProject(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yml")
	content := `
user: alice
projects:
  web:
    repo: not-a-repo
    secret: short
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected invalid project config to fail loading")
	}
}

func TestProjectMatchesRef(t *testing.T) {
	project := &Project{
		Name:   "test",
		Branch: "main",
	}

	testCases := []struct {
		ref      string
		expected bool
	}{
		{"refs/heads/main", true},
		{"refs/heads/develop", false},
		{"refs/tags/v1.0", false},
		{"main", false},
	}

	for _, tc := range testCases {
		result := project.MatchesRef(tc.ref)
		if result != tc.expected {
			t.Errorf("MatchesRef(%q) = %v, expected %v", tc.ref, result, tc.expected)
		}
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(map[string]*Project{
		"web": {Name: "web", Repo: "acme/web", AllowConcurrent: true},
		"api": {Name: "api", Repo: "acme/api"},
	})

	if registry.Count() != 2 {
		t.Errorf("Expected 2 projects, got %d", registry.Count())
	}

	p, err := registry.Get("web")
	if err != nil || p.Repo != "acme/web" {
		t.Errorf("Expected project lookup to succeed, got %v, %v", p, err)
	}
	if _, err := registry.Get("missing"); err == nil {
		t.Error("Expected unknown project to error")
	}

	byRepo, err := registry.ByRepo("acme/api")
	if err != nil || byRepo.Name != "api" {
		t.Errorf("Expected repo lookup to find 'api', got %v, %v", byRepo, err)
	}

	policy := registry.ConcurrencyPolicy()
	if !policy["web"] || policy["api"] {
		t.Errorf("Unexpected concurrency policy %v", policy)
	}
}
