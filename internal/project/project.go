package project

// Project represents a validated project configuration
type Project struct {
	Name            string
	Repo            string // "owner/name" on GitHub
	Secret          string // webhook HMAC secret
	Branch          string
	Environment     string
	AllowConcurrent bool
}

// ProjectConfig represents the YAML configuration for a project
type ProjectConfig struct {
	Repo            string `yaml:"repo"`
	Secret          string `yaml:"secret"`
	Branch          string `yaml:"branch"`
	Environment     string `yaml:"environment"`
	AllowConcurrent bool   `yaml:"allow_concurrent"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config represents the root configuration structure
type Config struct {
	Server          ServerConfig             `yaml:"server"`
	Database        string                   `yaml:"database"`
	User            string                   `yaml:"user"` // dashboard session user id
	PresenceTimeout int                      `yaml:"presence_timeout"` // seconds
	NotifyHook      string                   `yaml:"notify_hook"`
	GitHubToken     string                   `yaml:"github_token"`
	Projects        map[string]ProjectConfig `yaml:"projects"`
}
