package config

import "time"

// Config holds server and sync-core configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogPretty         bool          `mapstructure:"log_pretty" yaml:"log_pretty"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// TypingTTL is how long a received typing signal stays visible without
	// a refresh before the peer is considered to have stopped typing.
	TypingTTL time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`

	// ScrollThresholdRows is the near-bottom distance, in message rows,
	// within which the view keeps following new messages.
	ScrollThresholdRows int `mapstructure:"scroll_threshold_rows" yaml:"scroll_threshold_rows"`

	// ResubscribeDelay is the pause before re-entering Subscribing after the
	// event source drops a live subscription.
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay" yaml:"resubscribe_delay"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                ":8080",
		DatabasePath:        "beacon.db",
		LogLevel:            "info",
		LogPretty:           true,
		ReadHeaderTimeout:   5 * time.Second,
		ShutdownTimeout:     5 * time.Second,
		JWTSecret:           "",
		JWTIssuer:           "beacon",
		JWTAudience:         "beacon-clients",
		TypingTTL:           4 * time.Second,
		ScrollThresholdRows: 2,
		ResubscribeDelay:    time.Second,
	}
}
