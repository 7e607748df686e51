// Package config loads mpcwatch configuration from .mpcwatch/config.yaml and
// credentials from the environment or .mpcwatch/.env.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thruflo/mpcwatch/internal/logging"
)

// DirName is the per-project configuration directory.
const DirName = ".mpcwatch"

// Environment variables holding credentials.
const (
	EnvToken = "MPCWATCH_TOKEN"
	EnvUser  = "MPCWATCH_USER"
)

// Default values for Config.
const (
	DefaultAPIURL                 = "http://localhost:8480"
	DefaultMaxAttempts            = 5
	DefaultReconnectDelay         = 3 * time.Second
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultMissedThreshold        = 2
	DefaultPollInterval           = 5 * time.Second
	DefaultFetchTimeout           = 10 * time.Second
	DefaultMaxConsecutiveFailures = 0
	DefaultLogLevel               = "warn"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Server: Server{APIURL: DefaultAPIURL},
		Reconnect: Reconnect{
			MaxAttempts: DefaultMaxAttempts,
			Delay:       DefaultReconnectDelay,
		},
		Heartbeat: Heartbeat{
			Interval:        DefaultHeartbeatInterval,
			MissedThreshold: DefaultMissedThreshold,
		},
		Poll: Poll{
			Interval:               DefaultPollInterval,
			FetchTimeout:           DefaultFetchTimeout,
			MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		},
		Log: Log{Level: DefaultLogLevel},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// LoadConfig reads and parses .mpcwatch/config.yaml from the given base path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, DirName, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if err := validateURL("server.api_url", cfg.Server.APIURL, "http", "https"); err != nil {
		return err
	}
	if cfg.Server.WSURL != "" {
		if err := validateURL("server.ws_url", cfg.Server.WSURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return ValidationError{Field: "reconnect.max_attempts", Message: "must be positive"}
	}
	if cfg.Reconnect.Delay <= 0 {
		return ValidationError{Field: "reconnect.delay", Message: "must be positive"}
	}
	if cfg.Heartbeat.Interval <= 0 {
		return ValidationError{Field: "heartbeat.interval", Message: "must be positive"}
	}
	if cfg.Heartbeat.MissedThreshold <= 0 {
		return ValidationError{Field: "heartbeat.missed_threshold", Message: "must be positive"}
	}
	if cfg.Poll.Interval <= 0 {
		return ValidationError{Field: "poll.interval", Message: "must be positive"}
	}
	if cfg.Poll.FetchTimeout <= 0 {
		return ValidationError{Field: "poll.fetch_timeout", Message: "must be positive"}
	}
	if cfg.Poll.MaxConsecutiveFailures < 0 {
		return ValidationError{Field: "poll.max_consecutive_failures", Message: "must not be negative"}
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return ValidationError{Field: "log.level", Message: err.Error()}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return ValidationError{Field: field, Message: "required field is empty"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ValidationError{Field: field, Message: "must be an absolute URL"}
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return ValidationError{Field: field, Message: fmt.Sprintf("scheme must be one of %s", strings.Join(schemes, ", "))}
}

// PushURL returns the push channel endpoint: WSURL if set, otherwise APIURL
// with a ws scheme and a /ws path.
func (s Server) PushURL() string {
	if s.WSURL != "" {
		return s.WSURL
	}
	u, err := url.Parse(s.APIURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// LoadEnvFile parses a .mpcwatch/.env file into a map of key-value pairs.
// The file format is KEY=VALUE per line. Lines starting with # are comments.
// Empty lines are ignored.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, DirName, ".env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Strip surrounding quotes (single or double)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}

// LoadCredentials reads credentials from .mpcwatch/.env, with variables in
// the process environment taking precedence. lookup is os.LookupEnv in
// production. A missing token is not an error here; the push channel
// reports it.
func LoadCredentials(basePath string, lookup func(string) (string, bool)) (Credentials, error) {
	env, err := LoadEnvFile(basePath)
	if err != nil {
		return Credentials{}, err
	}
	get := func(key string) string {
		if lookup != nil {
			if v, ok := lookup(key); ok && v != "" {
				return v
			}
		}
		return env[key]
	}
	return Credentials{Token: get(EnvToken), UserID: get(EnvUser)}, nil
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
