package config

import (
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/fetch-balancer/internal/httpserver"
	"github.com/angeloszaimis/fetch-balancer/internal/scoring"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	ExhaustionSynthesize   = "synthesize"
	ExhaustionLastResponse = "last-response"
)

var absolutePath = regexp.MustCompile(`^/`)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

type DecayStepConfig struct {
	Within time.Duration `mapstructure:"within"`
	Weight float64       `mapstructure:"weight"`
}

type BalancerConfig struct {
	HealthThreshold    float64           `mapstructure:"health_threshold"`
	RetryMethods       []string          `mapstructure:"retry_methods"`
	LatencySamplePaths []string          `mapstructure:"latency_sample_paths"`
	Exhaustion         string            `mapstructure:"exhaustion"`
	Decay              []DecayStepConfig `mapstructure:"decay"`
}

type ProbeConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Path     string        `mapstructure:"path"`
}

type MetricsConfig struct {
	Address     string `mapstructure:"address"`
	EventBuffer int    `mapstructure:"event_buffer"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Backends []BackendConfig `mapstructure:"backends"`
	Balancer BalancerConfig  `mapstructure:"balancer"`
	Probe    ProbeConfig     `mapstructure:"probe"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("balancer.health_threshold", scoring.DefaultHealthThreshold)
	v.SetDefault("balancer.retry_methods", []string{http.MethodGet, http.MethodHead})
	v.SetDefault("balancer.latency_sample_paths", []string{"/"})
	v.SetDefault("balancer.exhaustion", ExhaustionSynthesize)
	v.SetDefault("probe.interval", "0s")
	v.SetDefault("probe.path", "/")
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.event_buffer", 1000)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)
}

// Load reads config.yaml from the first of paths that has one (./config and
// . when none are given). A .env file in any of the paths is loaded into the
// environment first; variables already set win. Environment variables
// override file values with "." replaced by "_", e.g. BALANCER_EXHAUSTION.
// BACKENDS may hold a comma separated list of URLs.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}

	if err := loadDotEnv(paths); err != nil {
		slog.Error("failed to load .env file", slog.String("error", err.Error()))
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, errors.Wrap(err, "read config")
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	if raw, ok := v.Get("backends").(string); ok {
		v.Set("backends", splitBackends(raw))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, errors.Wrap(err, "validate config")
	}

	return &cfg, nil
}

func loadDotEnv(paths []string) error {
	for _, p := range paths {
		file := filepath.Join(p, ".env")
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return errors.Wrapf(err, "load %s", file)
		}
	}
	return nil
}

func splitBackends(raw string) []map[string]any {
	var out []map[string]any
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, map[string]any{"url": u})
		}
	}
	return out
}

// DecaySteps returns the configured error decay, or scoring.DefaultDecay when
// none is configured.
func (c *Config) DecaySteps() scoring.Decay {
	if len(c.Balancer.Decay) == 0 {
		return scoring.DefaultDecay
	}

	decay := make(scoring.Decay, 0, len(c.Balancer.Decay))
	for _, s := range c.Balancer.Decay {
		decay = append(decay, scoring.DecayStep{Within: s.Within, Weight: s.Weight})
	}
	return decay
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.Required),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
		validation.Field(&c.Balancer),
		validation.Field(&c.Probe),
		validation.Field(&c.Metrics),
		validation.Field(&c.Logging, validation.Required),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&s.Address,
			validation.Required,
			validation.By(httpserver.ValidateAddress),
		),
		validation.Field(&s.ReadTimeout, validation.Min(0)),
		validation.Field(&s.WriteTimeout, validation.Min(0)),
		validation.Field(&s.IdleTimeout, validation.Min(0)),
		validation.Field(&s.ShutdownTimeout, validation.Min(0)),
	)
}

func (b BalancerConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.HealthThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&b.RetryMethods, validation.Each(validation.In(
			http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
			http.MethodPut, http.MethodDelete, http.MethodPost, http.MethodPatch,
		))),
		validation.Field(&b.LatencySamplePaths, validation.Each(validation.Match(absolutePath))),
		validation.Field(&b.Exhaustion,
			validation.Required,
			validation.In(ExhaustionSynthesize, ExhaustionLastResponse),
		),
		validation.Field(&b.Decay, validation.By(validateDecay)),
	)
}

func (p ProbeConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Interval, validation.Min(0)),
		validation.Field(&p.Path, validation.Required, validation.Match(absolutePath)),
	)
}

func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Address, validation.When(m.Address != "", validation.By(httpserver.ValidateAddress))),
		validation.Field(&m.EventBuffer, validation.Required, validation.Min(1)),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	if backend.URL == "" {
		return validation.NewError("validation_empty_url", "backend URL cannot be empty")
	}

	parsedURL, err := url.Parse(backend.URL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

// validateDecay requires strictly increasing windows with weights in [0,1].
func validateDecay(value interface{}) error {
	steps, ok := value.([]DecayStepConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of decay steps")
	}

	var prev time.Duration
	for _, s := range steps {
		if s.Within <= prev {
			return validation.NewError("validation_decay_order", "decay windows must be positive and strictly increasing")
		}
		if s.Weight < 0 || s.Weight > 1 {
			return validation.NewError("validation_decay_weight", "decay weights must be between 0 and 1")
		}
		prev = s.Within
	}

	return nil
}
