package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultReadBufferSize  = 1024
	DefaultWriteBufferSize = 1024
	DefaultMaxMessageSize  = 64 * 1024
	DefaultWriteTimeout    = 5 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultPongTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultSendBufferSize = 256

	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisChannel       = "events"
	DefaultReceiveTimeout     = 1 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Server.WriteBufferSize == 0 {
		c.Server.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = DefaultPongTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Hub defaults
	if c.Hub.SendBufferSize == 0 {
		c.Hub.SendBufferSize = DefaultSendBufferSize
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Redis.ReceiveTimeout == 0 {
		c.Redis.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.Redis.ReconnectBaseDelay == 0 {
		c.Redis.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Redis.ReconnectMaxDelay == 0 {
		c.Redis.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
}
