package project

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"opsdeck/internal/security"
)

const (
	MinSecretLength        = 32
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultDatabase        = "opsdeck.db"
	DefaultPresenceTimeout = 120
)

var ForbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

// LoadConfig loads and validates the configuration from a YAML file
func LoadConfig(configPath string) (*Config, map[string]*Project, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Initialize Projects map if it's nil (happens with empty YAML files)
	if config.Projects == nil {
		config.Projects = make(map[string]ProjectConfig)
	}

	// Apply server defaults
	if config.Server.Host == "" {
		config.Server.Host = DefaultHost
	}
	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return nil, nil, fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Database == "" {
		config.Database = DefaultDatabase
	}
	if config.User == "" {
		return nil, nil, fmt.Errorf("missing required 'user' field")
	}
	if err := security.ValidateUserID(config.User); err != nil {
		return nil, nil, fmt.Errorf("invalid 'user' field: %w", err)
	}
	if config.PresenceTimeout == 0 {
		config.PresenceTimeout = DefaultPresenceTimeout
	}
	if config.PresenceTimeout < 0 {
		return nil, nil, fmt.Errorf("presence_timeout must be a positive integer, got %d", config.PresenceTimeout)
	}

	// Validate and create Project instances
	projects := make(map[string]*Project)
	for name, projectConfig := range config.Projects {
		errors := ValidateProjectConfig(name, projectConfig)
		if len(errors) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for project '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}

		// Apply defaults
		branch := projectConfig.Branch
		if branch == "" {
			branch = "main"
		}

		environment := projectConfig.Environment
		if environment == "" {
			environment = "production"
		}

		projects[name] = &Project{
			Name:            name,
			Repo:            projectConfig.Repo,
			Secret:          projectConfig.Secret,
			Branch:          branch,
			Environment:     environment,
			AllowConcurrent: projectConfig.AllowConcurrent,
		}
	}

	return &config, projects, nil
}

// ValidateProjectConfig validates a single project configuration
func ValidateProjectConfig(name string, config ProjectConfig) []string {
	var errors []string

	// Project names end up in webhook routes and logs.
	if err := security.ValidateProjectName(name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': %v", name, err))
	}

	// Validate repo
	if config.Repo == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'repo' field", name))
	} else if err := security.ValidateRepo(config.Repo); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': %v, got '%s'", name, err, config.Repo))
	}

	// Validate secret
	if config.Secret == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'secret' field", name))
	} else {
		if len(config.Secret) < MinSecretLength {
			errors = append(errors, fmt.Sprintf("  - Project '%s': secret too short (minimum %d characters)", name, MinSecretLength))
		}

		if ForbiddenSecrets[strings.ToLower(config.Secret)] {
			errors = append(errors, fmt.Sprintf("  - Project '%s': secret appears to be a placeholder value, replace with real secret", name))
		}
	}

	// Validate branch
	branch := config.Branch
	if branch == "" {
		branch = "main"
	}
	if err := security.ValidateBranchName(branch); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': %v, got '%s'", name, err, branch))
	}

	// Validate environment
	if config.Environment != "" && !validEnvironments[config.Environment] {
		errors = append(errors, fmt.Sprintf("  - Project '%s': environment must be development, staging or production, got '%s'", name, config.Environment))
	}

	return errors
}

// MatchesRef checks if a git ref matches the project's target branch
func (p *Project) MatchesRef(ref string) bool {
	return ref == fmt.Sprintf("refs/heads/%s", p.Branch)
}
