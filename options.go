package qinet

import (
	"log"
	"time"
)

const (
	// DefaultConnectTimeout is the maximum duration a Dial waits for the
	// peer to complete the TCP handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultIdleTimeout is the default idle-timeout value stored in Config.
	// No component reads it: TransportServer does not sweep idle
	// connections.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultPingInterval is the default ping-interval value stored in
	// Config. No component reads it: TransportSocket sends no heartbeats.
	DefaultPingInterval = 30 * time.Second
	// DefaultAcceptPoll is the default accept-poll value stored in Config.
	// No component reads it: TransportServer has no background janitor.
	DefaultAcceptPoll = 1 * time.Second
	// DefaultReactorQueue is the event queue depth NewNetworkReactor uses
	// when given a non-positive depth.
	DefaultReactorQueue = 256
)

// Option configures a Session, TransportSocket, or TransportServer.
type Option func(*Config)

// Config holds runtime settings. The zero value is never used directly;
// defaultConfig() supplies sane defaults and Option values are layered on
// top via applyConfig, mirroring the teacher's functional-options shape.
type Config struct {
	logger *log.Logger

	connectTimeout time.Duration
	idleTimeout    time.Duration
	pingInterval   time.Duration
	acceptPoll     time.Duration
	reactorQueue   int

	metrics Metrics
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.reactorQueue <= 0 {
		return ErrInvalidConfigValue
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		connectTimeout: DefaultConnectTimeout,
		idleTimeout:    DefaultIdleTimeout,
		pingInterval:   DefaultPingInterval,
		acceptPoll:     DefaultAcceptPoll,
		reactorQueue:   DefaultReactorQueue,
		metrics:        NewDefaultMetrics(),
	}
}

func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithLogger sets a logger for diagnostics: failed connects and
// TransportServer accept errors are logged. Nil (the default) means silent,
// matching the teacher's "zero value works" config philosophy.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithConnectTimeout bounds how long Dial waits for a connection to
// complete. Zero or negative leaves the default in place.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithIdleTimeout stores an idle-timeout value in Config; a negative value
// leaves the default in place. No component reads it: silent peers are not
// swept.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.idleTimeout = d
		}
	}
}

// WithPingInterval stores a ping-interval value in Config; a negative value
// leaves the default in place. No component reads it: no heartbeats are
// sent.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithAcceptPoll stores an accept-poll value in Config; a non-positive value
// leaves the default in place. No component reads it: TransportServer has
// no background janitor.
func WithAcceptPoll(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.acceptPoll = d
		}
	}
}

// WithReactorQueue stores a reactor queue depth in Config, checked by
// Validate; a non-positive value leaves the default in place. A
// NetworkReactor takes its depth from the NewNetworkReactor argument and
// does not read this value.
func WithReactorQueue(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.reactorQueue = n
		}
	}
}

// WithMetrics sets a custom Metrics implementation. If not provided, a
// default atomic-counter implementation is used.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

func (c *Config) log(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
