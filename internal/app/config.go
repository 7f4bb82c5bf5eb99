package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the relay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	Room       RoomConfig       `mapstructure:"room"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenHost     string   `mapstructure:"listen_host"`
	ListenPort     int      `mapstructure:"listen_port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SessionConfig configures session, terminal, and frame defaults shared by
// every endpoint handler (spec §6 configuration options).
type SessionConfig struct {
	DefaultCols          int           `mapstructure:"default_cols"`
	DefaultRows          int           `mapstructure:"default_rows"`
	SessionMaxAge        time.Duration `mapstructure:"session_max_age"`
	ProducerReconnect    time.Duration `mapstructure:"producer_reconnect"`
	ViewerSetupTimeout   time.Duration `mapstructure:"viewer_setup_timeout"`
	MaxFrameBytes        int           `mapstructure:"max_frame_bytes"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	ClosedRingSize       int           `mapstructure:"closed_ring_size"`
	ViewerWriteQueueSize int           `mapstructure:"viewer_write_queue_size"`
}

// RoomConfig describes the collaboration room's persistent store.
type RoomConfig struct {
	Store RoomStoreConfig `mapstructure:"store"`
}

// RoomStoreConfig configures the default GORM-backed room store. An external
// implementation of the §6 store contract may be substituted at wiring time;
// this config only concerns the default.
type RoomStoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles the metrics endpoint.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles the health endpoint.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures producer bearer-token verification settings.
type AuthConfig struct {
	ControlToken ControlTokenConfig `mapstructure:"control_token"`
}

// ControlTokenConfig configures the JWT verifier used on the producer
// control endpoint.
type ControlTokenConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LoadConfig initialises the relay's configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("TERMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_host", "0.0.0.0")
	v.SetDefault("server.listen_port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("session.default_cols", 80)
	v.SetDefault("session.default_rows", 24)
	v.SetDefault("session.session_max_age", "1h")
	v.SetDefault("session.producer_reconnect", "30s")
	v.SetDefault("session.viewer_setup_timeout", "10s")
	v.SetDefault("session.max_frame_bytes", 1<<20)
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.closed_ring_size", 50)
	v.SetDefault("session.viewer_write_queue_size", 256)

	v.SetDefault("room.store.driver", "sqlite")
	v.SetDefault("room.store.path", "./data/termrelay.sqlite")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.control_token.issuer", "termrelay")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
