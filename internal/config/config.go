package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	RootDir   string
	LogLevel  string
	LogFormat string
	// Commit signature used for store commits when no actor is supplied.
	CommitAuthor string
	CommitEmail  string
	// Lines of context around each unified diff hunk.
	DiffContext int
	// Completeness percentage below which a warning issue is raised.
	CompletenessThreshold float64
	// Postgres audit mirror; disabled when empty.
	DatabaseURL string
	// Redis consistency history; disabled when empty.
	RedisURL     string
	HistoryLimit int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root_dir", "./data/projects")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("commit_author", "Keystone")
	v.SetDefault("commit_email", "keystone@localhost")
	v.SetDefault("diff_context", 3)
	v.SetDefault("completeness_threshold", 70.0)
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("history_limit", 50)
}

// Load reads configuration from defaults, an optional YAML file and
// KEYSTONE_* environment variables, in increasing order of precedence.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KEYSTONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		RootDir:               v.GetString("root_dir"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),
		CommitAuthor:          v.GetString("commit_author"),
		CommitEmail:           v.GetString("commit_email"),
		DiffContext:           v.GetInt("diff_context"),
		CompletenessThreshold: v.GetFloat64("completeness_threshold"),
		DatabaseURL:           v.GetString("database_url"),
		RedisURL:              v.GetString("redis_url"),
		HistoryLimit:          v.GetInt("history_limit"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RootDir) == "" {
		return fmt.Errorf("root_dir must not be empty")
	}
	if c.DiffContext < 0 {
		return fmt.Errorf("diff_context must be >= 0, got %d", c.DiffContext)
	}
	if c.CompletenessThreshold < 0 || c.CompletenessThreshold > 100 {
		return fmt.Errorf("completeness_threshold must be within 0..100, got %v", c.CompletenessThreshold)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}
