package common

import "github.com/spf13/viper"

// ===============================================================================
// Authentication Related Config

// AuthConfig defines parameters for validating client tokens during admission
type AuthConfig struct {
	// SigningSecret is the HMAC secret used to verify token signatures
	SigningSecret string `mapstructure:"signing_secret" json:"signing_secret" validate:"required,min=16"`
	// TokenQueryParam is the query parameter checked first for the client token
	TokenQueryParam string `mapstructure:"token_query_param" json:"token_query_param" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for all APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines parameters controlling per-connection session behavior
type SessionConfig struct {
	// InactivityTimeout is the duration in seconds after which a connection
	// with no inbound activity becomes eligible for server-initiated close
	InactivityTimeout int `mapstructure:"inactivity_timeout_sec" json:"inactivity_timeout_sec" validate:"gte=1"`
	// IdleSweepInterval is the duration in seconds between idle connection sweeps
	IdleSweepInterval int `mapstructure:"idle_sweep_interval_sec" json:"idle_sweep_interval_sec" validate:"gte=1"`
	// SendQueueLen is the per-connection outbound event queue depth
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// MaxFrameSize is the maximum inbound frame size in bytes
	MaxFrameSize int64 `mapstructure:"max_frame_size_byte" json:"max_frame_size_byte" validate:"gte=256"`
	// BroadcastJoin, when true, announces chat:joined / chat:left to the whole
	// channel instead of only the requesting client
	BroadcastJoin bool `mapstructure:"broadcast_join" json:"broadcast_join"`
	// StrictFrames, when true, rejects every inbound frame without a data
	// section. When false, ping frames may omit data.
	StrictFrames bool `mapstructure:"strict_frames" json:"strict_frames"`
	// OptimisticSend, when true, chat:message uses the optimistic
	// pending / confirmed / failed flow instead of persist-then-broadcast
	OptimisticSend bool `mapstructure:"optimistic_send" json:"optimistic_send"`
}

// ===============================================================================
// Storage Related Config

// StorageConfig defines parameters for the chat persistence store
type StorageConfig struct {
	// DBFile is the SQLite database file path
	DBFile string `mapstructure:"db_file" json:"db_file" validate:"required"`
	// MaxOpenConns is the maximum number of open database connections
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns" validate:"gte=1"`
	// BusyTimeout is the duration in milliseconds to wait on a locked database
	BusyTimeout int `mapstructure:"busy_timeout_ms" json:"busy_timeout_ms" validate:"gte=0"`
}

// ===============================================================================
// Presence Related Config

// PresenceConfig defines parameters for the presence tracker
type PresenceConfig struct {
	// StalenessWindow is the duration in seconds after which an unrefreshed
	// status entry expires back to offline
	StalenessWindow int `mapstructure:"staleness_window_sec" json:"staleness_window_sec" validate:"gte=1"`
	// SweepInterval is the duration in seconds between expiry sweeps.
	// Zero disables the background sweep; expiry is still enforced on read.
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// Metrics Related Config

// MetricsConfig defines parameters for metrics reporting
type MetricsConfig struct {
	// Enabled controls whether the /metrics endpoint is exposed
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Namespace is the prefix applied to all metric names
	Namespace string `mapstructure:"namespace" json:"namespace" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the chat server
type SystemConfig struct {
	// Auth are the token validation config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// HTTP are the HTTP API server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Session are the per-connection session configs
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Storage are the chat persistence configs
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Presence are the presence tracker configs
	Presence PresenceConfig `mapstructure:"presence" json:"presence" validate:"required,dive"`
	// Metrics are the metrics reporting configs
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default auth settings
	viper.SetDefault("auth.token_query_param", "token")

	// Default HTTP server settings
	viper.SetDefault("http.path_prefix", "/")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Chatrelay-Request-ID")

	// Default session settings
	viper.SetDefault("session.inactivity_timeout_sec", 1800)
	viper.SetDefault("session.idle_sweep_interval_sec", 60)
	viper.SetDefault("session.send_queue_len", 64)
	viper.SetDefault("session.max_frame_size_byte", 65536)
	viper.SetDefault("session.broadcast_join", true)
	viper.SetDefault("session.strict_frames", false)
	viper.SetDefault("session.optimistic_send", false)

	// Default storage settings
	viper.SetDefault("storage.db_file", "chatrelay.db")
	viper.SetDefault("storage.max_open_conns", 8)
	viper.SetDefault("storage.busy_timeout_ms", 5000)

	// Default presence settings
	viper.SetDefault("presence.staleness_window_sec", 300)
	viper.SetDefault("presence.sweep_interval_sec", 0)

	// Default metrics settings
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.namespace", "chatrelay")
}
