// Package secrets loads credentials kept outside the main configuration
// file: database passwords and the notification webhook. Secrets come
// from a locked-down YAML file, overridable per credential through
// environment variables so CI never needs the file at all.
package secrets

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lokraj/data-migration-tool/internal/config"
)

const (
	// DefaultSecretsFile is the secrets file looked up in the working
	// directory when the environment does not name one.
	DefaultSecretsFile = ".dmt-secrets.yaml"
	// FileEnvVar overrides the secrets file location.
	FileEnvVar = "DMT_SECRETS_FILE"

	// SourcePasswordEnvVar and TargetPasswordEnvVar override the
	// connection passwords and take precedence over the file.
	SourcePasswordEnvVar = "DMT_SOURCE_PASSWORD"
	TargetPasswordEnvVar = "DMT_TARGET_PASSWORD"
)

// Config is the parsed secrets file.
type Config struct {
	Source        Credential          `yaml:"source"`
	Target        Credential          `yaml:"target"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// Credential supplies login details for one connection.
type Credential struct {
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// NotificationsConfig holds webhook settings.
type NotificationsConfig struct {
	SlackEnabled    bool   `yaml:"slack_enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty"`
	SlackChannel    string `yaml:"slack_channel,omitempty"`
	SlackUsername   string `yaml:"slack_username,omitempty"`
}

// Load reads the secrets file named by DMT_SECRETS_FILE, falling back to
// .dmt-secrets.yaml. A missing file is not an error; environment
// variables may still supply everything.
func Load() (*Config, error) {
	path := os.Getenv(FileEnvVar)
	explicit := path != ""
	if !explicit {
		path = DefaultSecretsFile
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("secrets file %s does not exist", path)
		}
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing secrets %s: %w", path, err)
	}
	return &c, nil
}

// Apply overlays secrets onto a run configuration. File values fill in
// only what the main config leaves blank; environment variables win over
// both.
func (c *Config) Apply(cfg *config.Config) {
	applyCredential(&cfg.Source, c.Source, os.Getenv(SourcePasswordEnvVar))
	applyCredential(&cfg.Target, c.Target, os.Getenv(TargetPasswordEnvVar))
}

func applyCredential(cc *config.ConnConfig, cred Credential, envPassword string) {
	if cc.User == "" && cred.User != "" {
		cc.User = cred.User
	}
	if cc.Password == "" && cred.Password != "" {
		cc.Password = cred.Password
	}
	if envPassword != "" {
		cc.Password = envPassword
	}
}
