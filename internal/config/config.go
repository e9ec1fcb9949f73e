package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"gopkg.in/yaml.v3"
)

// CalDAVConfig describes the remote calendar collection.
type CalDAVConfig struct {
	// URL is the calendar collection URL (e.g. https://dav.example.com/cal/user/work/).
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`

	// BearerToken, if set, replaces basic auth with an OAuth2 bearer token.
	BearerToken string `yaml:"bearer_token,omitempty" json:"-"`

	// TimeoutSeconds bounds every remote call.
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent" json:"user_agent"`
}

// Timeout returns TimeoutSeconds as a duration.
func (c CalDAVConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BookingConfig controls how booked slots are written back.
type BookingConfig struct {
	// DefaultLocation is used when neither the request nor the slot has one.
	DefaultLocation string `yaml:"default_location" json:"default_location"`

	// ConditionalWrites sends If-Match with the slot document's etag so that
	// a concurrent modification is reported as a conflict instead of being
	// overwritten.
	ConditionalWrites bool `yaml:"conditional_writes" json:"conditional_writes"`
}

// ProbeConfig controls the periodic remote connectivity probe.
type ProbeConfig struct {
	// Schedule is a cron spec ("*/5 * * * *" or "@every 5m"). Empty disables probing.
	Schedule string `yaml:"schedule" json:"schedule"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the dashboard and API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for floating (non-UTC) calendar times.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// StaticDir holds index.html / booking.html and their assets.
	StaticDir string `yaml:"static_dir" json:"static_dir"`

	// HorizonDays / BackfillDays bound recurrence expansion for /api/events.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	CalDAV  CalDAVConfig  `yaml:"caldav" json:"caldav"`
	Booking BookingConfig `yaml:"booking" json:"booking"`
	Probe   ProbeConfig   `yaml:"probe" json:"probe"`

	// BasicAuth, if non-nil, protects everything except /api/health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen         = ":3000"
	defaultTimezone       = "UTC"
	defaultStaticDir      = "./public"
	defaultTimeoutSeconds = 30
	defaultUserAgent      = "CalDAV-Dashboard/1.0"
	defaultLocation       = "To be confirmed"
	defaultProbeSchedule  = "@every 5m"
	defaultHorizonDays    = 14
	defaultBackfillDays   = 1
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Timezone:     defaultTimezone,
		LogLevel:     "info",
		StaticDir:    defaultStaticDir,
		HorizonDays:  defaultHorizonDays,
		BackfillDays: defaultBackfillDays,
		CalDAV: CalDAVConfig{
			TimeoutSeconds: defaultTimeoutSeconds,
			UserAgent:      defaultUserAgent,
		},
		Booking: BookingConfig{
			DefaultLocation:   defaultLocation,
			ConditionalWrites: true,
		},
		Probe: ProbeConfig{Schedule: defaultProbeSchedule},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StaticDir == "" {
		c.StaticDir = defaultStaticDir
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.CalDAV.TimeoutSeconds <= 0 {
		c.CalDAV.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.CalDAV.UserAgent == "" {
		c.CalDAV.UserAgent = defaultUserAgent
	}
	if c.Booking.DefaultLocation == "" {
		c.Booking.DefaultLocation = defaultLocation
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		c.BasicAuth = nil
	}
}

// ApplyEnv overrides file values with the process environment. Only
// non-empty variables take effect.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("CALDAV_URL"); v != "" {
		c.CalDAV.URL = v
	}
	if v := getenv("CALDAV_USER"); v != "" {
		c.CalDAV.Username = v
	}
	if v := getenv("CALDAV_PASSWORD"); v != "" {
		c.CalDAV.Password = v
	}
	if v := getenv("CALDAV_BEARER_TOKEN"); v != "" {
		c.CalDAV.BearerToken = v
	}
	if v := getenv("CALDAV_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CalDAV.TimeoutSeconds = n
		}
	}
	if v := getenv("CALDASH_LISTEN"); v != "" {
		c.Listen = v
	} else if v := getenv("PORT"); v != "" {
		c.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v := getenv("CALDASH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// MissingError reports which remote store settings are absent. Every
// endpoint that needs the remote store surfaces it instead of failing at
// startup, so the dashboard can still explain what to configure.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "CalDAV configuration missing: " + strings.Join(e.Vars, ", ")
}

// Help is a remediation hint suitable for end users.
func (e *MissingError) Help() string {
	return "Set " + strings.Join(e.Vars, ", ") + " in the environment or the caldav section of the config file"
}

// Validate reports missing remote store settings as a *MissingError.
func (c CalDAVConfig) Validate() error {
	var missing []string
	if c.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}
	if c.BearerToken == "" {
		if c.Username == "" {
			missing = append(missing, "CALDAV_USER")
		}
		if c.Password == "" {
			missing = append(missing, "CALDAV_PASSWORD")
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingError{Vars: missing}
}

// CalDAVError validates the remote store settings. It returns nil or a
// *MissingError.
func (c *Config) CalDAVError() error {
	return c.CalDAV.Validate()
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, errors.Wrapf(err, "load timezone %q", c.Timezone)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If path is empty, defaults are returned.
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
//
// Environment overrides are applied by the caller via ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, since it may hold remote store credentials.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".caldash-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
