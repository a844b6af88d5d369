package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			OrJoinTimeout:       5 * time.Minute,
			MaxStepsPerEvent:    1000,
			MissingInstanceData: "use_min",
			RequestBuffer:       64,
			ArchiveLimit:        1000,
		},
		Events: EventsConfig{
			BufferSize: 100,
		},
		Store: StoreConfig{
			Enabled:         false,
			Path:            "netflow.db",
			MaxOpenConns:    1,
			BusyTimeout:     5 * time.Second,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every key with viper so that environment overrides apply
// to keys the file does not mention.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("engine.or_join_timeout", d.Engine.OrJoinTimeout)
	v.SetDefault("engine.max_steps_per_event", d.Engine.MaxStepsPerEvent)
	v.SetDefault("engine.missing_instance_data", d.Engine.MissingInstanceData)
	v.SetDefault("engine.request_buffer", d.Engine.RequestBuffer)
	v.SetDefault("engine.archive_limit", d.Engine.ArchiveLimit)
	v.SetDefault("events.buffer_size", d.Events.BufferSize)
	v.SetDefault("events.log_events", d.Events.LogEvents)
	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("specs.dir", d.Specs.Dir)
}
