package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
	State    StateConfig    `yaml:"state"`
	DryRun   bool           `yaml:"dry_run"`
}

type SourceConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIBase        string   `yaml:"api_base"`
	SiteName       string   `yaml:"site_name"`
	MaxPerPage     int      `yaml:"max_per_page"`
	RequestDelay   *float64 `yaml:"request_delay_seconds"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type DeliveryConfig struct {
	SMTPServer     string `yaml:"smtp_server"`
	SMTPPort       int    `yaml:"smtp_port"`
	SMTPUsername   string `yaml:"smtp_username"`
	SMTPPassword   string `yaml:"smtp_password"`
	Destination    string `yaml:"destination"` // read-later inbox address
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	ProcessOpen    *bool    `yaml:"process_open"`
	ProcessPremium bool     `yaml:"process_premium"`
	FetchLimit     int      `yaml:"fetch_limit"`
	PacingSeconds  *float64 `yaml:"pacing_seconds"`
	Retention      int      `yaml:"retention"`
	Hysteresis     float64  `yaml:"hysteresis"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

// OpenContent reports whether open-access posts are delivered. It defaults to
// true when the config leaves it unset.
func (s SyncConfig) OpenContent() bool {
	return s.ProcessOpen == nil || *s.ProcessOpen
}

// Pacing is the minimum gap between two deliveries. An explicit zero turns
// pacing off; unset means the default.
func (s SyncConfig) Pacing() time.Duration {
	return seconds(s.PacingSeconds, 2)
}

// Delay is the minimum gap between two API requests. An explicit zero turns
// pacing off; unset means the default.
func (s SourceConfig) Delay() time.Duration {
	return seconds(s.RequestDelay, 1)
}

func seconds(v *float64, def float64) time.Duration {
	if v == nil {
		return time.Duration(def * float64(time.Second))
	}
	return time.Duration(*v * float64(time.Second))
}

func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// Load reads the YAML config at path, applies .env and environment
// overrides and fills defaults. A missing config file is not an error: the
// deployment may be configured entirely through the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(expandPath(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	// Real environment variables win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Source.BaseURL == "" {
		cfg.Source.BaseURL = "https://elordenmundial.com"
	}
	cfg.Source.BaseURL = strings.TrimRight(cfg.Source.BaseURL, "/")
	if cfg.Source.APIBase == "" {
		cfg.Source.APIBase = "/wp-json/wp/v2"
	}
	if cfg.Source.SiteName == "" {
		cfg.Source.SiteName = "El Orden Mundial"
	}
	if cfg.Source.MaxPerPage == 0 {
		cfg.Source.MaxPerPage = 100
	}
	if cfg.Source.RequestDelay == nil {
		cfg.Source.RequestDelay = ptr(1.0)
	}
	if cfg.Source.TimeoutSeconds == 0 {
		cfg.Source.TimeoutSeconds = 30
	}

	if cfg.Delivery.SMTPServer == "" {
		cfg.Delivery.SMTPServer = "smtp.gmail.com"
	}
	if cfg.Delivery.SMTPPort == 0 {
		cfg.Delivery.SMTPPort = 587
	}
	if cfg.Delivery.FromName == "" {
		cfg.Delivery.FromName = "EOM Scraper"
	}
	if cfg.Delivery.SubjectPrefix == "" {
		cfg.Delivery.SubjectPrefix = "EOM: "
	}
	if cfg.Delivery.TimeoutSeconds == 0 {
		cfg.Delivery.TimeoutSeconds = 30
	}

	if cfg.Sync.FetchLimit == 0 {
		cfg.Sync.FetchLimit = 100
	}
	if cfg.Sync.PacingSeconds == nil {
		cfg.Sync.PacingSeconds = ptr(2.0)
	}
	if cfg.Sync.Retention == 0 {
		cfg.Sync.Retention = 1000
	}
	if cfg.Sync.Hysteresis == 0 {
		cfg.Sync.Hysteresis = 1.5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Path != "" {
		cfg.Logging.Path = expandPath(cfg.Logging.Path)
	}

	if cfg.State.Path == "" {
		cfg.State.Path = "eom_state.json"
	}
	cfg.State.Path = expandPath(cfg.State.Path)
}

func ptr[T any](v T) *T { return &v }

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("SMTP_SERVER", &cfg.Delivery.SMTPServer)
	str("SMTP_USERNAME", &cfg.Delivery.SMTPUsername)
	str("SMTP_PASSWORD", &cfg.Delivery.SMTPPassword)
	str("READWISE_EMAIL", &cfg.Delivery.Destination)
	str("FROM_EMAIL", &cfg.Delivery.FromEmail)
	str("FROM_NAME", &cfg.Delivery.FromName)
	str("EOM_BASE_URL", &cfg.Source.BaseURL)
	str("STATE_FILE", &cfg.State.Path)
	str("LOG_LEVEL", &cfg.Logging.Level)
	boolean("EOM_ENABLE_PREMIUM", &cfg.Sync.ProcessPremium)
	boolean("DRY_RUN", &cfg.DryRun)

	if v, ok := lookup("PROCESS_OPEN_CONTENT"); ok && v != "" {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PROCESS_OPEN_CONTENT: %w", err))
		} else {
			cfg.Sync.ProcessOpen = &b
		}
	}
	if v, ok := lookup("SMTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SMTP_PORT: %w", err))
		} else {
			cfg.Delivery.SMTPPort = port
		}
	}
	if v, ok := lookup("REQUEST_DELAY"); ok && v != "" {
		delay, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("REQUEST_DELAY: %w", err))
		} else {
			cfg.Source.RequestDelay = &delay
		}
	}
	if v, ok := lookup("RETENTION_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RETENTION_LIMIT: %w", err))
		} else {
			cfg.Sync.Retention = n
		}
	}

	return errors.Join(errs...)
}

// Validate reports every problem that must stop the process before any
// state is touched.
func (c *Config) Validate() error {
	var errs []error

	if c.Delivery.Destination == "" {
		errs = append(errs, errors.New("READWISE_EMAIL (delivery.destination) is required"))
	} else if _, err := mail.ParseAddress(c.Delivery.Destination); err != nil {
		errs = append(errs, fmt.Errorf("delivery.destination: %w", err))
	}
	if c.Delivery.FromEmail == "" {
		errs = append(errs, errors.New("FROM_EMAIL (delivery.from_email) is required"))
	} else if _, err := mail.ParseAddress(c.Delivery.FromEmail); err != nil {
		errs = append(errs, fmt.Errorf("delivery.from_email: %w", err))
	}
	if c.Delivery.SMTPUsername == "" || c.Delivery.SMTPPassword == "" {
		errs = append(errs, errors.New("SMTP_USERNAME and SMTP_PASSWORD are required"))
	}
	if !c.Sync.OpenContent() && !c.Sync.ProcessPremium {
		errs = append(errs, errors.New("at least one of sync.process_open or sync.process_premium must be enabled"))
	}
	if c.Sync.Retention < 1 {
		errs = append(errs, fmt.Errorf("sync.retention must be positive, got %d", c.Sync.Retention))
	}
	if c.Sync.Hysteresis < 1 {
		errs = append(errs, fmt.Errorf("sync.hysteresis must be at least 1, got %g", c.Sync.Hysteresis))
	}
	if c.Source.Delay() < 0 {
		errs = append(errs, errors.New("source.request_delay_seconds must not be negative"))
	}
	if c.Sync.Pacing() < 0 {
		errs = append(errs, errors.New("sync.pacing_seconds must not be negative"))
	}
	if c.Sync.FetchLimit < 1 {
		errs = append(errs, fmt.Errorf("sync.fetch_limit must be positive, got %d", c.Sync.FetchLimit))
	}

	return errors.Join(errs...)
}
