package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read into Settings.
const EnvPrefix = "STEPGATE"

// Settings holds the engine configuration.
type Settings struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Engine struct {
		MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
		GracePeriod        time.Duration `mapstructure:"grace_period"`
		MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"engine"`
	Risk struct {
		Weights map[string]float64 `mapstructure:"weights"`
	} `mapstructure:"risk"`
	Approval struct {
		Timeout           time.Duration `mapstructure:"timeout"`
		TimeoutPolicy     string        `mapstructure:"timeout_policy"`
		EscalationTimeout time.Duration `mapstructure:"escalation_timeout"`
	} `mapstructure:"approval"`
	Store struct {
		Driver        string `mapstructure:"driver"`
		Dir           string `mapstructure:"dir"`
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisDB       int    `mapstructure:"redis_db"`
		PostgresDSN   string `mapstructure:"postgres_dsn"`
	} `mapstructure:"store"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Notify struct {
		SocketIOURL string `mapstructure:"socketio_url"`
		Namespace   string `mapstructure:"namespace"`
	} `mapstructure:"notify"`
	Capabilities struct {
		WorkDir          string        `mapstructure:"work_dir"`
		TestCommand      []string      `mapstructure:"test_command"`
		GeneratorURL     string        `mapstructure:"generator_url"`
		GeneratorTimeout time.Duration `mapstructure:"generator_timeout"`
	} `mapstructure:"capabilities"`
}

// Store drivers understood by the application.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("engine.max_concurrent_steps", 4)
	v.SetDefault("engine.grace_period", 10*time.Second)
	v.SetDefault("engine.max_backoff", 30*time.Second)
	v.SetDefault("risk.weights", map[string]float64{
		"file_modification": 0.4,
		"command_execution": 0.3,
		"data_changes":      0.3,
	})
	v.SetDefault("approval.timeout", 30*time.Minute)
	v.SetDefault("approval.timeout_policy", "deny")
	v.SetDefault("approval.escalation_timeout", 30*time.Minute)
	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.dir", ".stepgate")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("server.addr", "")
	v.SetDefault("notify.socketio_url", "")
	v.SetDefault("notify.namespace", "/")
	v.SetDefault("capabilities.work_dir", ".")
	v.SetDefault("capabilities.test_command", []string{"go", "test"})
	v.SetDefault("capabilities.generator_url", "")
	v.SetDefault("capabilities.generator_timeout", 2*time.Minute)
}

// LoadSettings reads settings from the optional YAML file at path and from
// STEPGATE_* environment variables (STEPGATE_STORE_DRIVER and so on), on
// top of the defaults. The result is validated.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings for values the engine cannot work with.
func (s *Settings) Validate() error {
	var errs []error
	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", s.Log.Level))
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", s.Log.Format))
	}
	if s.Engine.MaxConcurrentSteps < 1 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_steps must be at least 1, got %d", s.Engine.MaxConcurrentSteps))
	}
	if s.Engine.GracePeriod < 0 {
		errs = append(errs, errors.New("engine.grace_period must not be negative"))
	}
	for name, w := range s.Risk.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("risk weight %q must not be negative", name))
		}
	}
	switch s.Approval.TimeoutPolicy {
	case "deny", "escalate":
	default:
		errs = append(errs, fmt.Errorf("approval.timeout_policy must be deny or escalate, got %q", s.Approval.TimeoutPolicy))
	}
	if s.Approval.Timeout <= 0 {
		errs = append(errs, errors.New("approval.timeout must be positive"))
	}
	switch s.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if s.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file driver"))
		}
	case DriverRedis:
		if s.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case DriverPostgres:
		if s.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", s.Store.Driver))
	}
	return errors.Join(errs...)
}
