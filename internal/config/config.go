// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	custom_errors "classroom-provisioner/internal/errors"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFile  string `mapstructure:"LOG_FILE"`
	HTTPAddr string `mapstructure:"HTTP_ADDR" validate:"required"`

	StoreDriver    string `mapstructure:"STORE_DRIVER" validate:"oneof=postgres memory"`
	DBURL          string `mapstructure:"DB_URL" validate:"required_if=StoreDriver postgres"`
	MigrationsPath string `mapstructure:"MIGRATIONS_PATH" validate:"required"`

	GithubToken   string `mapstructure:"GITHUB_TOKEN" validate:"required"`
	GithubBaseURL string `mapstructure:"GITHUB_BASE_URL" validate:"omitempty,url"`
	RepoPrivate   bool   `mapstructure:"REPO_PRIVATE"`

	ResiliencyEnabled bool          `mapstructure:"RESILIENCY_ENABLED"`
	ExternalTimeout   time.Duration `mapstructure:"EXTERNAL_TIMEOUT" validate:"gt=0"`

	WorkerConcurrency  int           `mapstructure:"WORKER_CONCURRENCY" validate:"min=1,max=64"`
	WorkerPollInterval time.Duration `mapstructure:"WORKER_POLL_INTERVAL" validate:"gt=0"`
	JobLeaseTTL        time.Duration `mapstructure:"JOB_LEASE_TTL" validate:"gtfield=ExternalTimeout"`
	JobMaxAttempts     int           `mapstructure:"JOB_MAX_ATTEMPTS" validate:"min=1"`
	JobRetryBackoff    time.Duration `mapstructure:"JOB_RETRY_BACKOFF" validate:"gt=0"`

	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("MIGRATIONS_PATH", "file://migrations")
	v.SetDefault("REPO_PRIVATE", true)
	v.SetDefault("RESILIENCY_ENABLED", false)
	v.SetDefault("EXTERNAL_TIMEOUT", "30s")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("WORKER_POLL_INTERVAL", "2s")
	v.SetDefault("JOB_LEASE_TTL", "2m")
	v.SetDefault("JOB_MAX_ATTEMPTS", 5)
	v.SetDefault("JOB_RETRY_BACKOFF", "10s")
	v.SetDefault("ALLOWED_ORIGINS", []string{})

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without defaults are invisible to Unmarshal unless bound explicitly.
	for _, key := range []string{"LOG_FILE", "DB_URL", "GITHUB_TOKEN", "GITHUB_BASE_URL"} {
		_ = v.BindEnv(key)
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.AllowedOrigins = trimList(cfg.AllowedOrigins)

	if err := validator.New().Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &custom_errors.ErrInvalidConfig{Field: verrs[0].Field(), Rule: verrs[0].Tag()}
		}
		return nil, err
	}

	return &cfg, nil
}

func trimList(in []string) []string {
	var out []string
	for _, part := range in {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
