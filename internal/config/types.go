package config

import "time"

// Server locates the job service.
type Server struct {
	// APIURL is the base URL of the request/response API.
	APIURL string `yaml:"api_url"`
	// WSURL is the push channel endpoint. Empty derives it from APIURL.
	WSURL string `yaml:"ws_url,omitempty"`
}

// Reconnect bounds push channel reconnection.
type Reconnect struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// Heartbeat configures push channel liveness probing.
type Heartbeat struct {
	Interval        time.Duration `yaml:"interval"`
	MissedThreshold int           `yaml:"missed_threshold"`
}

// Poll configures the status poller.
type Poll struct {
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// MaxConsecutiveFailures stops a poller after that many failed fetches
	// in a row. Zero polls through failures indefinitely.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
}

// Config represents the .mpcwatch/config.yaml file.
type Config struct {
	Server    Server    `yaml:"server"`
	Reconnect Reconnect `yaml:"reconnect"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Poll      Poll      `yaml:"poll"`
	Log       Log       `yaml:"log"`
}

// Credentials identify the user to the job service. They are issued
// elsewhere and read from the environment or .mpcwatch/.env.
type Credentials struct {
	Token  string
	UserID string
}
