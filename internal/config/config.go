package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/platform/retry"
)

// EnvPrefix is prepended to every environment override, e.g. RUNNERD_HTTP_ADDR.
const EnvPrefix = "RUNNERD"

// Front-end dispatch modes.
const (
	ModePool   = "pool"
	ModeDirect = "direct"
)

// Server configures the front-end process: controller, dispatcher and HTTP API.
type Server struct {
	HTTPAddr       string `mapstructure:"http_addr"`
	ControllerAddr string `mapstructure:"controller_addr"`
	Mode           string `mapstructure:"mode"`
	RunnerAddr     string `mapstructure:"runner_addr"`

	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	HealthTimeout       time.Duration `mapstructure:"health_timeout"`
	MaxMissedHeartbeats int           `mapstructure:"max_missed_heartbeats"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`

	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	RedisAddr        string        `mapstructure:"redis_addr"`
	DispatchWorkers  int           `mapstructure:"dispatch_workers"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	RecoveryMaxAge   time.Duration `mapstructure:"recovery_max_age"`

	LogLevel    string `mapstructure:"log_level"`
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// Worker configures a runner process.
type Worker struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	AdvertiseHost  string `mapstructure:"advertise_host"`
	AdvertisePort  string `mapstructure:"advertise_port"`
	ControllerAddr string `mapstructure:"controller_addr"`

	ExecuteTimeout     time.Duration `mapstructure:"execute_timeout"`
	Concurrency        int           `mapstructure:"concurrency"`
	Languages          []string      `mapstructure:"languages"`
	MembershipInterval time.Duration `mapstructure:"membership_interval"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`

	MemoryMB   int64   `mapstructure:"memory_mb"`
	CPUs       float64 `mapstructure:"cpus"`
	PidsLimit  int64   `mapstructure:"pids_limit"`
	PullImages bool    `mapstructure:"pull_images"`

	LogLevel    string `mapstructure:"log_level"`
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// SENTRY_DSN without the prefix is honoured as well.
	if err := v.BindEnv("sentry_dsn", EnvPrefix+"_SENTRY_DSN", "SENTRY_DSN"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("controller_addr", ":50000")
	v.SetDefault("mode", ModePool)
	v.SetDefault("runner_addr", "")
	v.SetDefault("dial_timeout", 5*time.Second)
	v.SetDefault("health_interval", 5*time.Second)
	v.SetDefault("health_timeout", 2*time.Second)
	v.SetDefault("max_missed_heartbeats", 3)
	v.SetDefault("request_timeout", 60*time.Second)
	// 0.5 tokens/sec (1 request every 2s), burst of 5
	v.SetDefault("rate_limit", 0.5)
	v.SetDefault("rate_burst", 5)
	v.SetDefault("redis_addr", "")
	v.SetDefault("dispatch_workers", 4)
	v.SetDefault("recovery_interval", 30*time.Second)
	v.SetDefault("recovery_max_age", 5*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":50051")
	v.SetDefault("advertise_host", "")
	v.SetDefault("advertise_port", "")
	v.SetDefault("controller_addr", "localhost:50000")
	v.SetDefault("execute_timeout", 10*time.Second)
	v.SetDefault("concurrency", 4)
	v.SetDefault("languages", []string{"rust", "python"})
	v.SetDefault("membership_interval", 5*time.Second)
	v.SetDefault("backoff_initial", 250*time.Millisecond)
	v.SetDefault("backoff_max", 15*time.Second)
	v.SetDefault("memory_mb", 512)
	v.SetDefault("cpus", 1.0)
	v.SetDefault("pids_limit", 128)
	v.SetDefault("pull_images", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")
}

// LoadServer reads the front-end configuration from defaults, the optional
// YAML file at path and RUNNERD_* environment variables, in increasing priority.
func LoadServer(path string) (*Server, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	setServerDefaults(v)

	var c Server
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWorker reads the runner configuration the same way as LoadServer.
func LoadWorker(path string) (*Worker, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	setWorkerDefaults(v)

	var c Worker
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.fillAdvertised(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid field at once.
func (c *Server) Validate() error {
	var errs []error
	switch c.Mode {
	case ModePool:
	case ModeDirect:
		if c.RunnerAddr == "" {
			errs = append(errs, errors.New("runner_addr is required in direct mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModePool, ModeDirect, c.Mode))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Mode == ModePool && c.ControllerAddr == "" {
		errs = append(errs, errors.New("controller_addr is required in pool mode"))
	}
	if c.DialTimeout <= 0 || c.HealthInterval <= 0 || c.HealthTimeout <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("timeouts and intervals must be positive"))
	}
	if c.MaxMissedHeartbeats < 1 {
		errs = append(errs, errors.New("max_missed_heartbeats must be at least 1"))
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		errs = append(errs, errors.New("rate_limit must be positive and rate_burst at least 1"))
	}
	if c.RedisAddr != "" && c.DispatchWorkers < 1 {
		errs = append(errs, errors.New("dispatch_workers must be at least 1"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Worker) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.ControllerAddr == "" {
		errs = append(errs, errors.New("controller_addr is required"))
	}
	if c.AdvertiseHost == "" || c.AdvertisePort == "" {
		errs = append(errs, errors.New("advertise_host and advertise_port could not be determined"))
	}
	if c.ExecuteTimeout <= 0 || c.MembershipInterval <= 0 {
		errs = append(errs, errors.New("execute_timeout and membership_interval must be positive"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if _, err := c.ParsedLanguages(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// fillAdvertised defaults the advertised address to the hostname and the
// listen port.
func (c *Worker) fillAdvertised() error {
	if c.AdvertisePort == "" {
		_, port, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
		}
		c.AdvertisePort = port
	}
	if c.AdvertiseHost == "" {
		host, _, _ := net.SplitHostPort(c.ListenAddr)
		if host == "" || host == "0.0.0.0" || host == "::" {
			host, _ = os.Hostname()
		}
		c.AdvertiseHost = host
	}
	return nil
}

// ParsedLanguages returns the enabled languages.
func (c *Worker) ParsedLanguages() ([]domain.Language, error) {
	if len(c.Languages) == 0 {
		return nil, errors.New("at least one language must be enabled")
	}
	out := make([]domain.Language, 0, len(c.Languages))
	for _, s := range c.Languages {
		lang, err := domain.ParseLanguage(s)
		if err != nil {
			return nil, err
		}
		out = append(out, lang)
	}
	return out, nil
}

// Backoff returns the registration retry policy.
func (c *Worker) Backoff() retry.Config {
	b := retry.DefaultConfig()
	b.InitialDelay = c.BackoffInitial
	b.MaxDelay = c.BackoffMax
	return b
}

// ParseLevel maps a log_level string onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return lvl, nil
}

// NewLogger installs the default text logger at the given level.
func NewLogger(level string) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
