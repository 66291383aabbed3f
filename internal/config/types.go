package config

import "time"

// Config is the root configuration for a relay instance.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Hub    HubConfig    `yaml:"hub"`
	Redis  RedisConfig  `yaml:"redis"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HubConfig holds connection hub settings.
type HubConfig struct {
	SendBufferSize int `yaml:"send_buffer_size"`
}

// RedisConfig holds the event bridge's Redis subscription settings.
type RedisConfig struct {
	Addr               string        `yaml:"addr"`
	Password           string        `yaml:"password"`
	DB                 int           `yaml:"db"`
	Channel            string        `yaml:"channel"`
	ReceiveTimeout     time.Duration `yaml:"receive_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}
