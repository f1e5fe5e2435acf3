// Package config is the engine's configuration surface (spec.md §6).
// Values are plain struct fields set via functional options, with
// environment-variable fallbacks for the connection strings the cmd/
// wiring needs, matching the teacher's own mongostore.New(...Option) /
// nats.New(...Option) idiom rather than a reflection-based config loader.
package config

import (
	"os"
	"time"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	IntakeBatchSize          int
	PollBatchSize            int
	LeaseDuration            time.Duration
	PollInterval             time.Duration
	MaxSubmitAttempts        int
	IdempotencyLeaseDuration time.Duration

	// DiscoverInterval and SchedulerInterval are the timer schedules for
	// the two timer-driven handlers (spec.md §6 "Timer schedules").
	DiscoverInterval  time.Duration
	SchedulerInterval time.Duration

	MongoURL    string
	NATSURL     string
	EventSource string
}

// Option mutates a Config during New.
type Option func(*Config)

// Default returns the spec.md §6 defaults.
func Default() Config {
	return Config{
		IntakeBatchSize:          50,
		PollBatchSize:            200,
		LeaseDuration:            30 * time.Minute,
		PollInterval:             5 * time.Minute,
		MaxSubmitAttempts:        3,
		IdempotencyLeaseDuration: 2 * time.Minute,
		DiscoverInterval:         30 * time.Second,
		SchedulerInterval:        30 * time.Second,
		MongoURL:                 envOr("WORKFLOW_MONGO_URL", "mongodb://localhost:27017"),
		NATSURL:                  envOr("WORKFLOW_NATS_URL", "nats://localhost:4222"),
		EventSource:              envOr("WORKFLOW_EVENT_SOURCE", "urn:flowcore:workflow"),
	}
}

// New builds a Config from Default with opts applied in order.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithIntakeBatchSize(n int) Option { return func(c *Config) { c.IntakeBatchSize = n } }
func WithPollBatchSize(n int) Option   { return func(c *Config) { c.PollBatchSize = n } }
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Config) { c.LeaseDuration = d }
}
func WithPollInterval(d time.Duration) Option { return func(c *Config) { c.PollInterval = d } }
func WithMaxSubmitAttempts(n int) Option {
	return func(c *Config) { c.MaxSubmitAttempts = n }
}
func WithIdempotencyLeaseDuration(d time.Duration) Option {
	return func(c *Config) { c.IdempotencyLeaseDuration = d }
}
func WithMongoURL(url string) Option { return func(c *Config) { c.MongoURL = url } }
func WithNATSURL(url string) Option  { return func(c *Config) { c.NATSURL = url } }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
