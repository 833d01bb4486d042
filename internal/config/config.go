package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v2"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
)

// Duration wraps time.Duration so YAML configs can say "30s" or "1m".
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer")
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
	Backends []BackendConfig `yaml:"backends"`
}

// ServerConfig contains inbound HTTP server settings.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// BackendConfig describes one backend and its destinations.
type BackendConfig struct {
	ID           string              `yaml:"id"`
	RoutePrefix  string              `yaml:"route_prefix"`
	Policy       string              `yaml:"policy"`
	EmptyPool    string              `yaml:"empty_pool_policy"`
	Affinity     AffinityConfig      `yaml:"affinity"`
	HealthCheck  HealthCheckConfig   `yaml:"health_check"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

// AffinityConfig describes session-affinity settings for one backend.
type AffinityConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Mode          string   `yaml:"mode"`
	FailurePolicy string   `yaml:"failure_policy"`
	CookieName    string   `yaml:"cookie_name"`
	HeaderName    string   `yaml:"header_name"`
	SigningKey    string   `yaml:"signing_key"`
	CookieTTL     Duration `yaml:"cookie_ttl"`
}

// HealthCheckConfig describes active health checking for one backend.
type HealthCheckConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	HealthyThreshold    int      `yaml:"healthy_threshold"`
	UnhealthyThreshold  int      `yaml:"unhealthy_threshold"`
	Path                string   `yaml:"path"`
	Transport           string   `yaml:"transport"`
	MaxConcurrentProbes int      `yaml:"max_concurrent_probes"`
	ProbesPerSecond     float64  `yaml:"probes_per_second"`
}

// DestinationConfig describes one upstream endpoint.
type DestinationConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads, defaults, and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.RoutePrefix == "" {
			b.RoutePrefix = "/"
		}
		hc := &b.HealthCheck
		if hc.Enabled {
			if hc.Interval == 0 {
				hc.Interval = Duration(30 * time.Second)
			}
			if hc.Timeout == 0 {
				hc.Timeout = Duration(5 * time.Second)
			}
			if hc.HealthyThreshold == 0 {
				hc.HealthyThreshold = 2
			}
			if hc.UnhealthyThreshold == 0 {
				hc.UnhealthyThreshold = 3
			}
			if hc.Path == "" {
				hc.Path = "/health"
			}
		}
	}
}

// Validate checks the structural rules of the config. Policy, mode, and
// transport ids are checked later, when the topology is bound against
// the registries.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Backends, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ListenAddr, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (b BackendConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.ID, validation.Required),
		validation.Field(&b.Policy, validation.Required),
		validation.Field(&b.Destinations, validation.Required),
		validation.Field(&b.Affinity),
		validation.Field(&b.HealthCheck),
	)
}

// Validate implements validation.Validatable.
func (a AffinityConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	return validation.ValidateStruct(&a,
		validation.Field(&a.Mode, validation.Required),
		validation.Field(&a.SigningKey, validation.Required.When(a.Mode == "cookie_signed").
			Error("required for the cookie_signed mode")),
	)
}

// Validate implements validation.Validatable.
func (h HealthCheckConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	return validation.ValidateStruct(&h,
		validation.Field(&h.HealthyThreshold, validation.Min(1)),
		validation.Field(&h.UnhealthyThreshold, validation.Min(1)),
	)
}

// Validate implements validation.Validatable.
func (d DestinationConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.ID, validation.Required),
		validation.Field(&d.Address, validation.Required, is.RequestURL),
	)
}

// Domain converts the backend config into the runtime model's form.
func (b BackendConfig) Domain() *domain.BackendConfig {
	return &domain.BackendConfig{
		Policy:    b.Policy,
		EmptyPool: domain.EmptyPoolPolicy(b.EmptyPool),
		Affinity: domain.AffinityOptions{
			Enabled:       b.Affinity.Enabled,
			Mode:          b.Affinity.Mode,
			FailurePolicy: b.Affinity.FailurePolicy,
			CookieName:    b.Affinity.CookieName,
			HeaderName:    b.Affinity.HeaderName,
			SigningKey:    []byte(b.Affinity.SigningKey),
			CookieTTL:     b.Affinity.CookieTTL.Std(),
		},
		HealthCheck: domain.HealthCheckOptions{
			Enabled:             b.HealthCheck.Enabled,
			Interval:            b.HealthCheck.Interval.Std(),
			Timeout:             b.HealthCheck.Timeout.Std(),
			HealthyThreshold:    b.HealthCheck.HealthyThreshold,
			UnhealthyThreshold:  b.HealthCheck.UnhealthyThreshold,
			Path:                b.HealthCheck.Path,
			Transport:           b.HealthCheck.Transport,
			MaxConcurrentProbes: b.HealthCheck.MaxConcurrentProbes,
			ProbesPerSecond:     b.HealthCheck.ProbesPerSecond,
		},
	}
}
