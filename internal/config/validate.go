package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Server.MaxMessageSize < 1 {
		return errors.New("server.max_message_size must be >= 1")
	}
	if c.Server.PingInterval >= c.Server.PongTimeout {
		return fmt.Errorf("server.ping_interval (%v) must be shorter than server.pong_timeout (%v)",
			c.Server.PingInterval, c.Server.PongTimeout)
	}

	if c.Hub.SendBufferSize < 1 {
		return errors.New("hub.send_buffer_size must be >= 1")
	}

	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Redis.Channel == "" {
		return errors.New("redis.channel is required")
	}
	if c.Redis.ReceiveTimeout <= 0 {
		return errors.New("redis.receive_timeout must be positive")
	}
	if c.Redis.ReconnectBaseDelay <= 0 {
		return errors.New("redis.reconnect_base_delay must be positive")
	}
	if c.Redis.ReconnectMaxDelay < c.Redis.ReconnectBaseDelay {
		return fmt.Errorf("redis.reconnect_max_delay (%v) cannot be shorter than reconnect_base_delay (%v)",
			c.Redis.ReconnectMaxDelay, c.Redis.ReconnectBaseDelay)
	}

	return nil
}
