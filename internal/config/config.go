package config

import "time"

// Config is the complete engine configuration
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
	Events EventsConfig `mapstructure:"events" yaml:"events"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Specs  SpecsConfig  `mapstructure:"specs" yaml:"specs"`
}

// ServerConfig configures the HTTP adapter
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// EngineConfig holds the knobs of the case runners
type EngineConfig struct {
	// OrJoinTimeout is how long an OR-join may stay blocked before an OrJoinBlocked
	// diagnostic is emitted. Zero disables the diagnostic.
	OrJoinTimeout time.Duration `mapstructure:"or_join_timeout" yaml:"or_join_timeout" validate:"gte=0"`
	// MaxStepsPerEvent bounds the internal firings one event may trigger.
	MaxStepsPerEvent int `mapstructure:"max_steps_per_event" yaml:"max_steps_per_event" validate:"gte=1"`
	// MissingInstanceData is the multi-instance policy when the count query has no data.
	MissingInstanceData string `mapstructure:"missing_instance_data" yaml:"missing_instance_data" validate:"oneof=use_min fail"`
	RequestBuffer       int    `mapstructure:"request_buffer" yaml:"request_buffer" validate:"gte=1"`
	ArchiveLimit        int    `mapstructure:"archive_limit" yaml:"archive_limit" validate:"gte=0"`
}

// EventsConfig configures the event bus
type EventsConfig struct {
	BufferSize int  `mapstructure:"buffer_size" yaml:"buffer_size" validate:"gte=1"`
	LogEvents  bool `mapstructure:"log_events" yaml:"log_events"`
}

// StoreConfig configures the sqlite case store
type StoreConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Path            string        `mapstructure:"path" yaml:"path" validate:"required_if=Enabled true"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=1"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" validate:"gte=0"`
}

// LogConfig configures the slog logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// SpecsConfig says where net definitions are loaded from at startup
type SpecsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}
