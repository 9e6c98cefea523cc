// Package config loads the scheduler configuration. Values are layered:
// built-in defaults, then an optional YAML file, then KNOLSCHED_* environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conorfennell/knolsched/internal/cardfeed"
	"github.com/conorfennell/knolsched/internal/sm2"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable. A double underscore
// separates levels, so KNOLSCHED_HTTP__RATE_LIMIT sets http.rate_limit.
const EnvPrefix = "KNOLSCHED_"

type Config struct {
	Storage   Storage   `koanf:"storage"`
	HTTP      HTTP      `koanf:"http"`
	Review    Review    `koanf:"review"`
	Scheduler Scheduler `koanf:"scheduler"`
	Feed      Feed      `koanf:"feed"`
	Log       Log       `koanf:"log"`
}

type Storage struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

type HTTP struct {
	Addr            string        `koanf:"addr" validate:"required"`
	RateLimit       int           `koanf:"rate_limit" validate:"min=0"` // requests per minute and IP, 0 disables
	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type Review struct {
	MaxAttempts int `koanf:"max_attempts" validate:"min=1,max=100"`
	DuePageSize int `koanf:"due_page_size" validate:"min=1,max=10000"`
}

type Scheduler struct {
	InitialEase     float64 `koanf:"initial_ease"`
	MinEase         float64 `koanf:"min_ease"`
	FailPenalty     float64 `koanf:"fail_penalty"`
	PassBonus       float64 `koanf:"pass_bonus"`
	MaxIntervalDays int     `koanf:"max_interval_days"`
}

// Params converts the section into engine parameters.
func (s Scheduler) Params() *sm2.Params {
	return &sm2.Params{
		InitialEase:     s.InitialEase,
		MinEase:         s.MinEase,
		FailPenalty:     s.FailPenalty,
		PassBonus:       s.PassBonus,
		MaxIntervalDays: s.MaxIntervalDays,
	}
}

type Feed struct {
	ReposDir string            `koanf:"repos_dir" validate:"required"`
	Sources  []cardfeed.Source `koanf:"sources" validate:"dive"`
	NATS     NATS              `koanf:"nats"`
}

// NATS is disabled while URL is empty.
type NATS struct {
	URL     string `koanf:"url" validate:"omitempty,url"`
	Token   string `koanf:"token"`
	Subject string `koanf:"subject" validate:"required_with=URL"`
	Queue   string `koanf:"queue"`
}

type Log struct {
	Level       string `koanf:"level" validate:"oneof=debug info warn error"`
	Development bool   `koanf:"development"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	p := sm2.DefaultParams()
	return Config{
		Storage: Storage{Driver: "sqlite", DSN: "knolsched.db"},
		HTTP: HTTP{
			Addr:            ":8080",
			RateLimit:       120,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Review: Review{MaxAttempts: 3, DuePageSize: 256},
		Scheduler: Scheduler{
			InitialEase:     p.InitialEase,
			MinEase:         p.MinEase,
			FailPenalty:     p.FailPenalty,
			PassBonus:       p.PassBonus,
			MaxIntervalDays: p.MaxIntervalDays,
		},
		Feed: Feed{
			ReposDir: "repos",
			NATS:     NATS{Subject: "cards.identity", Queue: "knolsched"},
		},
		Log: Log{Level: "info"},
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"storage-driver": "storage.driver",
	"dsn":            "storage.dsn",
	"addr":           "http.addr",
	"repos-dir":      "feed.repos_dir",
	"nats-url":       "feed.nats.url",
	"log-level":      "log.level",
	"dev":            "log.development",
}

// NewFlagSet returns a flag set with the configuration flags registered.
// Callers may add their own flags before parsing it.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML configuration file")
	fs.String("storage-driver", "", "schedule store: sqlite or postgres")
	fs.String("dsn", "", "SQLite file path or PostgreSQL connection string")
	fs.String("addr", "", "HTTP listen address")
	fs.String("repos-dir", "", "directory git card sources are cloned into")
	fs.String("nats-url", "", "NATS server URL for card identity events")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.Bool("dev", false, "human-readable development logging")
	return fs
}

// Load builds the configuration from a parsed flag set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	err = k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	err = k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed {
			return "", nil
		}
		return key, f.Value.String()
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and the scheduler parameters.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if err := c.Scheduler.Params().Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	return nil
}
