package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the service configuration, read once at startup.
type Config struct {
	ServerAddr string
	DataDir    string
	NATSURL    string
	JWKSURL    string
	LogLevel   string

	Google GoogleConfig
}

// GoogleConfig holds the Gmail OAuth client and push-notification settings.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	Topic        string
}

// Load reads configuration from the environment with sane defaults.
// All keys can be overridden via BRAIN_* environment variables, e.g.
// BRAIN_SERVER_ADDR, BRAIN_GOOGLE_CLIENT_ID.
func Load() (*Config, error) {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("data.dir", "data")
	viper.SetDefault("nats.url", "")
	viper.SetDefault("auth.jwks_url", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("google.topic", "gmail-push")

	viper.SetEnvPrefix("BRAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg := &Config{
		ServerAddr: viper.GetString("server.addr"),
		DataDir:    viper.GetString("data.dir"),
		NATSURL:    viper.GetString("nats.url"),
		JWKSURL:    viper.GetString("auth.jwks_url"),
		LogLevel:   viper.GetString("log.level"),
		Google: GoogleConfig{
			ClientID:     viper.GetString("google.client_id"),
			ClientSecret: viper.GetString("google.client_secret"),
			RedirectURL:  viper.GetString("google.redirect_url"),
			ProjectID:    viper.GetString("google.project_id"),
			Topic:        viper.GetString("google.topic"),
		},
	}

	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, fmt.Errorf("google.client_id and google.client_secret must be configured")
	}

	return cfg, nil
}

// TopicName returns the fully qualified Pub/Sub topic used for Gmail watch
// registrations, or "" when no cloud project is configured.
func (c *Config) TopicName() string {
	if c.Google.ProjectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", c.Google.ProjectID, c.Google.Topic)
}
