// Package appconfig loads per-role configuration from a TOML file with
// environment-variable overrides, via koanf.
package appconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Load reads configPath (TOML) and overlays environment variables, e.g.
// QUEUE_VISIBILITY_SECONDS overrides queue.visibility_seconds.
func Load(logger *zerolog.Logger, configPath string) *koanf.Koanf {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load config file")
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variables")
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded successfully")
	return ko
}

// Postgres holds the fields needed to build a pgxpool connection string.
type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN renders the keyword/value connection string pgx and database/sql both
// accept.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// LoadPostgres reads the postgres.* keys.
func LoadPostgres(ko *koanf.Koanf) Postgres {
	return Postgres{
		Host:     ko.String("postgres.host"),
		Port:     ko.Int("postgres.port"),
		User:     ko.String("postgres.user"),
		Password: ko.String("postgres.password"),
		Database: ko.String("postgres.database"),
		SSLMode:  ko.String("postgres.sslmode"),
	}
}

// Queue holds the substrate settings for one logical queue.
type Queue struct {
	Name              string
	VisibilitySeconds int
	MaxRetries        int
	BatchSize         int
}

// Retry holds role-level retry/backoff settings.
type Retry struct {
	MaxRetries   int
	RetrySleep   time.Duration
}

// Delays holds the thread-sync worker's advisory inter-call pacing.
type Delays struct {
	APIDelay     time.Duration
	MessageDelay time.Duration
	ThreadDelay  time.Duration
}

// LoadDelays reads the delays.* keys. Zero values mean no pacing.
func LoadDelays(ko *koanf.Koanf) Delays {
	d := Delays{
		APIDelay:     ko.Duration("delays.api_delay_ms"),
		MessageDelay: ko.Duration("delays.message_delay_ms"),
		ThreadDelay:  ko.Duration("delays.thread_delay_ms"),
	}
	return d
}
