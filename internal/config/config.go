package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	// TypingTTL is how long a typing indicator lives without a refresh.
	TypingTTL time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`
	// EventQueueSize bounds each session's outbound event queue.
	EventQueueSize int `mapstructure:"event_queue_size" yaml:"event_queue_size"`
	// MarkReadWindow is how long mark-read calls are held for coalescing.
	MarkReadWindow time.Duration `mapstructure:"mark_read_window" yaml:"mark_read_window"`
	// MessageRateLimit caps inbound WS frames per connection per minute.
	// Zero disables the limit.
	MessageRateLimit int `mapstructure:"message_rate_limit" yaml:"message_rate_limit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		DatabasePath:      "chat.db",
		LogLevel:          "info",
		JWTSecret:         "dev-secret-change-me",
		JWTIssuer:         "chat-server",
		JWTAudience:       "chat-clients",
		TokenTTL:          24 * time.Hour,
		TypingTTL:         5 * time.Second,
		EventQueueSize:    64,
		MarkReadWindow:    250 * time.Millisecond,
		MessageRateLimit:  240,
	}
}
