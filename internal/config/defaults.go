package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "https://api.barterline.io/v1"
	DefaultWSURL                = "wss://ws.barterline.io/v1"
	DefaultAPITimeout           = 30 * time.Second
	DefaultAPIMaxRetries        = 3
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultRejoinSettleDelay    = 250 * time.Millisecond
	DefaultJoinTimeout          = 10 * time.Second
	DefaultBufferSize           = 1000
	DefaultDeliveryMaxRetries   = 3
	DefaultRetryBackoff         = 1 * time.Second
	DefaultAckTimeout           = 10 * time.Second
	DefaultCacheBackend         = "memory"
	DefaultHistoryCap           = 500
	DefaultFlushInterval        = 5 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultGapDeadline          = 5 * time.Second
)

func (c *ClientConfig) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultAPIMaxRetries
	}

	// Connection defaults
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.HeartbeatTimeout == 0 {
		c.Connection.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.RejoinSettleDelay == 0 {
		c.Connection.RejoinSettleDelay = DefaultRejoinSettleDelay
	}
	if c.Connection.JoinTimeout == 0 {
		c.Connection.JoinTimeout = DefaultJoinTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	// Delivery defaults
	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = DefaultDeliveryMaxRetries
	}
	if c.Delivery.RetryBackoff == 0 {
		c.Delivery.RetryBackoff = DefaultRetryBackoff
	}
	if c.Delivery.AckTimeout == 0 {
		c.Delivery.AckTimeout = DefaultAckTimeout
	}

	// Cache defaults
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultCacheBackend
	}
	if c.Cache.HistoryCap == 0 {
		c.Cache.HistoryCap = DefaultHistoryCap
	}
	if c.Cache.FlushInterval == 0 {
		c.Cache.FlushInterval = DefaultFlushInterval
	}
	applyDBDefaults(&c.Cache.Postgres)

	// Resync defaults
	if c.Resync.GapDeadline == 0 {
		c.Resync.GapDeadline = DefaultGapDeadline
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
