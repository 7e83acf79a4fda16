package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-authgate/campus-cli/apiclient"
	"github.com/go-authgate/campus-cli/broker"
	"gopkg.in/yaml.v3"
)

const (
	defaultAuthURL     = "http://localhost:8080"
	defaultSessionFile = ".campus-session.json"
	defaultRedisPrefix = "campus"
	defaultLogLevel    = "warn"

	storeFile  = "file"
	storeRedis = "redis"
)

// Config is the resolved CLI configuration.
type Config struct {
	Services       apiclient.ServiceURLs
	SessionStore   string
	SessionFile    string
	RedisAddr      string
	RedisPrefix    string
	RefreshTimeout time.Duration
	RefreshSkew    time.Duration
	LogLevel       string
	LogFile        string

	// Args is the command and its arguments.
	Args []string
}

// fileConfig is the layout of the optional YAML config file.
type fileConfig struct {
	Services apiclient.ServiceURLs `yaml:"services"`
	Session  struct {
		Store       string `yaml:"store"`
		File        string `yaml:"file"`
		RedisAddr   string `yaml:"redis_addr"`
		RedisPrefix string `yaml:"redis_prefix"`
	} `yaml:"session"`
	RefreshTimeout string `yaml:"refresh_timeout"`
	RefreshSkew    string `yaml:"refresh_skew"`
	Log            struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

var errUsage = errors.New("usage")

const usageText = `Usage: campus [flags] <command> [args]

Commands:
  login -email <email> [-password <password>]   sign in (password defaults to CAMPUS_PASSWORD)
  logout                                        sign out and revoke the refresh credential
  whoami                                        show the signed-in user's profile
  status                                        show the stored session
  get <service> <path>                          GET a service endpoint
  post <service> <path> [json]                  POST to a service endpoint
  delete <service> <path>                       DELETE a service endpoint

Services: auth, profile, projects, events, network
`

// parseConfig resolves configuration with priority flag > env > config file > default.
func parseConfig(args []string, getenv func(string) string, stderr io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("campus", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}

	var (
		flagConfig         = fs.String("config", "", "YAML config file (or CAMPUS_CONFIG env)")
		flagAuthURL        = fs.String("auth-url", "", "Auth service URL (default: http://localhost:8080 or AUTH_URL env)")
		flagProfileURL     = fs.String("profile-url", "", "Profile service URL (default: auth URL or PROFILE_URL env)")
		flagProjectsURL    = fs.String("projects-url", "", "Projects service URL (default: auth URL or PROJECTS_URL env)")
		flagEventsURL      = fs.String("events-url", "", "Events service URL (default: auth URL or EVENTS_URL env)")
		flagNetworkURL     = fs.String("network-url", "", "Network service URL (default: auth URL or NETWORK_URL env)")
		flagSessionStore   = fs.String("session-store", "", "Session store: file or redis (or SESSION_STORE env)")
		flagSessionFile    = fs.String("session-file", "", "Session file (default: .campus-session.json or SESSION_FILE env)")
		flagRedisAddr      = fs.String("redis-addr", "", "Redis address for the redis session store (or REDIS_ADDR env)")
		flagRefreshTimeout = fs.String("refresh-timeout", "", "Bound on one token refresh (default: 10s or REFRESH_TIMEOUT env)")
		flagRefreshSkew    = fs.String("refresh-skew", "", "Refresh JWTs expiring within this window before sending (or REFRESH_SKEW env)")
		flagLogLevel       = fs.String("log-level", "", "Log level (default: warn or LOG_LEVEL env)")
		flagLogFile        = fs.String("log-file", "", "Log file (or LOG_FILE env)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var file fileConfig
	if path := getConfig(*flagConfig, getenv("CAMPUS_CONFIG"), "", ""); path != "" {
		if err := loadConfigFile(path, &file); err != nil {
			return nil, err
		}
	}

	cfg := &Config{Args: fs.Args()}

	cfg.Services.Auth = getConfig(*flagAuthURL, getenv("AUTH_URL"), file.Services.Auth, defaultAuthURL)
	cfg.Services.Profile = getConfig(*flagProfileURL, getenv("PROFILE_URL"), file.Services.Profile, cfg.Services.Auth)
	cfg.Services.Projects = getConfig(*flagProjectsURL, getenv("PROJECTS_URL"), file.Services.Projects, cfg.Services.Auth)
	cfg.Services.Events = getConfig(*flagEventsURL, getenv("EVENTS_URL"), file.Services.Events, cfg.Services.Auth)
	cfg.Services.Network = getConfig(*flagNetworkURL, getenv("NETWORK_URL"), file.Services.Network, cfg.Services.Auth)

	cfg.SessionStore = strings.ToLower(getConfig(*flagSessionStore, getenv("SESSION_STORE"), file.Session.Store, storeFile))
	cfg.SessionFile = getConfig(*flagSessionFile, getenv("SESSION_FILE"), file.Session.File, defaultSessionFile)
	cfg.RedisAddr = getConfig(*flagRedisAddr, getenv("REDIS_ADDR"), file.Session.RedisAddr, "localhost:6379")
	cfg.RedisPrefix = getConfig("", getenv("REDIS_PREFIX"), file.Session.RedisPrefix, defaultRedisPrefix)
	cfg.LogLevel = getConfig(*flagLogLevel, getenv("LOG_LEVEL"), file.Log.Level, defaultLogLevel)
	cfg.LogFile = getConfig(*flagLogFile, getenv("LOG_FILE"), file.Log.File, "")

	var err error
	cfg.RefreshTimeout, err = parseDuration("refresh timeout",
		getConfig(*flagRefreshTimeout, getenv("REFRESH_TIMEOUT"), file.RefreshTimeout, broker.DefaultRefreshTimeout.String()))
	if err != nil {
		return nil, err
	}
	cfg.RefreshSkew, err = parseDuration("refresh skew",
		getConfig(*flagRefreshSkew, getenv("REFRESH_SKEW"), file.RefreshSkew, "0s"))
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfig returns the first non-empty value in priority order.
func getConfig(flagValue, envValue, fileValue, defaultValue string) string {
	for _, v := range []string{flagValue, envValue, fileValue} {
		if v != "" {
			return v
		}
	}
	return defaultValue
}

func loadConfigFile(path string, into *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, raw)
	}
	return d, nil
}

func (c *Config) validate() error {
	for _, name := range apiclient.ServiceNames() {
		if err := validateServiceURL(c.Services.Get(name)); err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
	}
	switch c.SessionStore {
	case storeFile:
		if c.SessionFile == "" {
			return errors.New("session file cannot be empty")
		}
	case storeRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown session store %q (want file or redis)", c.SessionStore)
	}
	if c.RefreshTimeout == 0 {
		return errors.New("refresh timeout must be positive")
	}
	return nil
}

// insecureServices lists the services configured over plain HTTP.
func (c *Config) insecureServices() []string {
	var out []string
	for _, name := range apiclient.ServiceNames() {
		if strings.HasPrefix(strings.ToLower(c.Services.Get(name)), "http://") {
			out = append(out, name)
		}
	}
	return out
}

// validateServiceURL validates that a service URL is properly formatted
func validateServiceURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
