package config

import "time"

// ClientConfig is the root configuration for a negotiation client instance.
type ClientConfig struct {
	API        APIConfig        `yaml:"api"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Cache      CacheConfig      `yaml:"cache"`
	Resync     ResyncConfig     `yaml:"resync"`
}

// APIConfig holds server endpoints for the REST collaborator and the socket.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url" env:"PARLEY_REST_URL"`
	WSURL      string        `yaml:"ws_url" env:"PARLEY_WS_URL"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// AuthConfig holds the bearer token used during the handshake.
type AuthConfig struct {
	Token     string `yaml:"token" env:"PARLEY_TOKEN"`
	TokenPath string `yaml:"token_path" env:"PARLEY_TOKEN_PATH"`
}

// ConnectionConfig holds transport session settings.
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	RejoinSettleDelay    time.Duration `yaml:"rejoin_settle_delay"`
	JoinTimeout          time.Duration `yaml:"join_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// DeliveryConfig holds message delivery settings.
type DeliveryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"` // per retry credit, linear
	AckTimeout   time.Duration `yaml:"ack_timeout"`
}

// CacheConfig holds local message cache settings.
type CacheConfig struct {
	Backend       string        `yaml:"backend" env:"PARLEY_CACHE_BACKEND"` // memory, sqlite, redis, postgres
	HistoryCap    int           `yaml:"history_cap"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SQLitePath    string        `yaml:"sqlite_path" env:"PARLEY_SQLITE_PATH"`
	RedisURL      string        `yaml:"redis_url" env:"PARLEY_REDIS_URL"`
	Postgres      DBConfig      `yaml:"postgres"`
}

// DBConfig holds a postgres connection for headless bot deployments.
type DBConfig struct {
	Host     string `yaml:"host" env:"PARLEY_PG_HOST"`
	Port     int    `yaml:"port" env:"PARLEY_PG_PORT"`
	Name     string `yaml:"name" env:"PARLEY_PG_NAME"`
	User     string `yaml:"user" env:"PARLEY_PG_USER"`
	Password string `yaml:"password" env:"PARLEY_PG_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ResyncConfig holds snapshot resync settings for unresolved round gaps.
type ResyncConfig struct {
	GapDeadline time.Duration `yaml:"gap_deadline"`
}
