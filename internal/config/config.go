package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/flowpbx/fastagi/internal/agi"
	"github.com/flowpbx/fastagi/internal/provision"
)

// Config holds all runtime configuration for the FastAGI server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir              string
	AGIPort              int
	HTTPPort             int
	LogLevel             string
	LogFormat            string // log output format: "text" or "json"
	AGITrace             string // command tracing: "off", "commands" or "full"
	ShellDebug           bool   // log every SYSTEMSTATUS read
	DatabaseURL          string // empty for sqlite in DataDir, postgres:// for Postgres
	SessionRetentionDays int    // 0 keeps session history forever
	AcceptRate           float64
	AcceptBurst          int

	AudioCacheRoot      string // Asterisk sounds directory on the Asterisk host
	AudioCacheSubPath   string // directory under AudioCacheRoot holding fetched assets
	AudioExtension      string
	AudioServerHost     string
	AudioServerPort     int
	AudioServerBasePath string
}

// defaults
const (
	defaultDataDir              = "./data"
	defaultAGIPort              = 4573
	defaultHTTPPort             = 8080
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultAGITrace             = "off"
	defaultSessionRetentionDays = 30
	defaultAcceptRate           = 20
	defaultAcceptBurst          = 40

	defaultAudioCacheRoot      = "/var/lib/asterisk/sounds"
	defaultAudioCacheSubPath   = "vdialer"
	defaultAudioExtension      = ".wav"
	defaultAudioServerHost     = "interno.falevox.com.br"
	defaultAudioServerPort     = 3987
	defaultAudioServerBasePath = "/audio"
)

// envPrefix is the prefix for all FastAGI environment variables.
const envPrefix = "FASTAGI_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("fastagi", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.AGIPort, "agi-port", defaultAGIPort, "FastAGI listen port")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin HTTP API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.AGITrace, "agi-trace", defaultAGITrace, "AGI command tracing (off, commands, full)")
	fs.BoolVar(&cfg.ShellDebug, "shell-debug", false, "log the raw status of every shell command run on the Asterisk host")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres:// connection string (sqlite in data-dir if empty)")
	fs.IntVar(&cfg.SessionRetentionDays, "session-retention-days", defaultSessionRetentionDays, "days of session history and asset events to keep (0 keeps forever)")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", defaultAcceptRate, "FastAGI connections per second allowed per Asterisk host")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", defaultAcceptBurst, "FastAGI connection burst allowed per Asterisk host")
	fs.StringVar(&cfg.AudioCacheRoot, "audio-cache-root", defaultAudioCacheRoot, "Asterisk sounds directory on the Asterisk host")
	fs.StringVar(&cfg.AudioCacheSubPath, "audio-cache-subpath", defaultAudioCacheSubPath, "directory under audio-cache-root for fetched assets")
	fs.StringVar(&cfg.AudioExtension, "audio-extension", defaultAudioExtension, "file extension of audio assets")
	fs.StringVar(&cfg.AudioServerHost, "audio-server-host", defaultAudioServerHost, "host serving audio assets over HTTP")
	fs.IntVar(&cfg.AudioServerPort, "audio-server-port", defaultAudioServerPort, "port of the audio asset server")
	fs.StringVar(&cfg.AudioServerBasePath, "audio-server-basepath", defaultAudioServerBasePath, "URL path prefix of audio assets")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// FASTAGI_* environment variable (flag name upper-cased, dashes to
// underscores). Values that fail to parse are ignored.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid environment override", "var", envName(f.Name), "error", err)
		}
	})
}

// envName maps a flag name to its environment variable, e.g.
// "agi-port" to "FASTAGI_AGI_PORT".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	for name, port := range map[string]int{
		"agi-port":          c.AGIPort,
		"http-port":         c.HTTPPort,
		"audio-server-port": c.AudioServerPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.AGIPort == c.HTTPPort {
		return fmt.Errorf("agi-port and http-port must differ, both are %d", c.AGIPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "commands": true, "full": true}
	if !validTrace[strings.ToLower(c.AGITrace)] {
		return fmt.Errorf("agi-trace must be one of off, commands, full; got %q", c.AGITrace)
	}
	c.AGITrace = strings.ToLower(c.AGITrace)

	if c.DatabaseURL != "" && !c.UsePostgres() {
		return fmt.Errorf("database-url must start with postgres:// or postgresql://")
	}
	if c.SessionRetentionDays < 0 {
		return fmt.Errorf("session-retention-days must not be negative, got %d", c.SessionRetentionDays)
	}
	if c.AcceptRate <= 0 {
		return fmt.Errorf("accept-rate must be positive, got %v", c.AcceptRate)
	}
	if c.AcceptBurst < 1 {
		return fmt.Errorf("accept-burst must be at least 1, got %d", c.AcceptBurst)
	}

	if c.AudioCacheRoot == "" || !strings.HasPrefix(c.AudioCacheRoot, "/") {
		return fmt.Errorf("audio-cache-root must be an absolute path, got %q", c.AudioCacheRoot)
	}
	sub := strings.Trim(c.AudioCacheSubPath, "/")
	if sub == "" || strings.Contains(sub, "..") || strings.ContainsAny(sub, " \t;&|$`'\"") {
		return fmt.Errorf("audio-cache-subpath must be a plain relative path, got %q", c.AudioCacheSubPath)
	}
	c.AudioCacheSubPath = sub
	if c.AudioServerHost == "" {
		return fmt.Errorf("audio-server-host is required")
	}
	if c.AudioServerBasePath != "" && !strings.HasPrefix(c.AudioServerBasePath, "/") {
		return fmt.Errorf("audio-server-basepath must start with /, got %q", c.AudioServerBasePath)
	}
	c.AudioServerBasePath = strings.TrimRight(c.AudioServerBasePath, "/")

	return nil
}

// UsePostgres reports whether DatabaseURL selects the Postgres store.
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// AGIAddr returns the FastAGI listen address.
func (c *Config) AGIAddr() string {
	return ":" + strconv.Itoa(c.AGIPort)
}

// HTTPAddr returns the admin API listen address.
func (c *Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

// TraceVerbosity returns the configured AGI command tracing level.
func (c *Config) TraceVerbosity() agi.TraceVerbosity {
	return agi.ParseTraceVerbosity(c.AGITrace)
}

// Provisioning returns the audio provisioner configuration.
func (c *Config) Provisioning() provision.Config {
	return provision.Config{
		CacheRoot:      c.AudioCacheRoot,
		CacheSubPath:   c.AudioCacheSubPath,
		Extension:      c.AudioExtension,
		RemoteHost:     c.AudioServerHost,
		RemotePort:     c.AudioServerPort,
		RemoteBasePath: c.AudioServerBasePath,
	}
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
