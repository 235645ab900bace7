// Package config holds runtime settings for the field agent.
package config

import "time"

// Config holds runtime settings for the survey capture agent.
//
// Sources are layered: defaults, then a JSON file (-c/-config), then
// command-line flags. Later sources take precedence.
type Config struct {
	// ServerEndpointAddr is the base URL of the survey service API.
	ServerEndpointAddr string

	// DatabasePath is the local sqlite file holding drafts and the queue.
	DatabasePath string

	// LogPath is the rotating agent log file.
	LogPath string

	// OnlineCheckInterval is how often the agent probes server reachability.
	OnlineCheckInterval time.Duration

	// RequestTimeout bounds each server exchange.
	RequestTimeout time.Duration

	// SyncFanOut caps concurrent deliveries within one sync pass.
	SyncFanOut int

	// RetryBaseDelay is the first retry delay; it doubles per attempt up to
	// RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// MaxRetries is the delivery budget before an item parks for review.
	MaxRetries int

	// Object storage for photo blobs.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "http://127.0.0.1:8080"
	c.DatabasePath = "surveys.db"
	c.LogPath = "agent.log"
	c.OnlineCheckInterval = 3 * time.Second
	c.RequestTimeout = 10 * time.Second
	c.SyncFanOut = 4
	c.RetryBaseDelay = 2 * time.Second
	c.RetryMaxDelay = time.Hour
	c.MaxRetries = 8
	c.S3Region = "us-east-1"
	c.S3Bucket = "survey-photos"
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
