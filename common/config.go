// Copyright 2021-2022 The curio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Broker Related Config

// BrokerConfig defines the TCP notification broker parameters
type BrokerConfig struct {
	// ListenOn is the interface the broker will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the broker will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// BusCapacity is the number of outstanding messages the broadcast bus holds
	// before slow receivers start losing messages
	BusCapacity int `mapstructure:"bus_capacity" json:"bus_capacity" validate:"gte=1"`
	// MaxFrameBytes is the largest frame payload accepted or sent
	MaxFrameBytes int `mapstructure:"max_frame_bytes" json:"max_frame_bytes" validate:"gte=64"`
	// AbortOnConnectError whether a malformed connect frame stops the accept loop.
	// When false, the offending connection alone is dropped.
	AbortOnConnectError bool `mapstructure:"abort_on_connect_error" json:"abort_on_connect_error"`
	// StatsReportInterval is the period in seconds between stats log reports.
	// Zero disables the report.
	StatsReportInterval int `mapstructure:"stats_report_interval_sec" json:"stats_report_interval_sec" validate:"gte=0"`
}

// RegistryConfig defines the subscriber registry parameters
type RegistryConfig struct {
	// FailoverPromotion whether a disconnecting consumer is removed from the
	// registry, promoting the next backup of the same type to primary
	FailoverPromotion bool `mapstructure:"failover_promotion" json:"failover_promotion"`
	// RequestBuffer is the depth of the registry request queue
	RequestBuffer int `mapstructure:"request_buffer" json:"request_buffer" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Mirror Related Config

// NATSMirrorConfig defines the NATS mirror sink
type NATSMirrorConfig struct {
	NATSConfig `mapstructure:",squash"`
	// SubjectPrefix notifications are published on "<SubjectPrefix>.<kind>"
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// RedisMirrorConfig defines the Redis mirror sink
type RedisMirrorConfig struct {
	// ServerAddr is the Redis "host:port"
	ServerAddr string `mapstructure:"server_addr" json:"server_addr" validate:"required,hostname_port"`
	// ChannelPrefix notifications are published on "<ChannelPrefix>:<kind>"
	ChannelPrefix string `mapstructure:"channel_prefix" json:"channel_prefix" validate:"required"`
	// MaxRetries is the number of publish retries before giving up on a message
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" validate:"gte=0"`
}

// KafkaMirrorConfig defines the Kafka mirror sink
type KafkaMirrorConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string `mapstructure:"brokers" json:"brokers" validate:"required,min=1"`
	// Topic is the Kafka topic notifications are written to
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
}

// MirrorConfig defines the event mirror parameters
type MirrorConfig struct {
	// Workers is the number of parallel sink workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// TaskBuffer is the per worker queue depth
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// NATS is the optional NATS sink
	NATS *NATSMirrorConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Redis is the optional Redis sink
	Redis *RedisMirrorConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
	// Kafka is the optional Kafka sink
	Kafka *KafkaMirrorConfig `mapstructure:"kafka,omitempty" json:"kafka,omitempty" validate:"omitempty,dive"`
}

// Enabled whether any sink is configured
func (c MirrorConfig) Enabled() bool {
	return c.NATS != nil || c.Redis != nil || c.Kafka != nil
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
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// AdminEndpointConfig defines admin API endpoint config
type AdminEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the admin APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// AdminServerConfig defines configuration for the admin API server
type AdminServerConfig struct {
	// Enabled whether to run the admin API server
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// HTTPSetting is the HTTP API / server parameters for the admin API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the admin API server
	Endpoints AdminEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Protocol Client Related Config

// ClientConfig defines the producer / consumer protocol client parameters
type ClientConfig struct {
	// DialMaxRetries is the number of connect retries before giving up
	DialMaxRetries int `mapstructure:"dial_max_retries" json:"dial_max_retries" validate:"gte=0"`
	// DialInitialBackoff is the first retry wait in milliseconds
	DialInitialBackoff int `mapstructure:"dial_initial_backoff_ms" json:"dial_initial_backoff_ms" validate:"gte=1"`
	// DialMaxBackoff is the longest retry wait in milliseconds
	DialMaxBackoff int `mapstructure:"dial_max_backoff_ms" json:"dial_max_backoff_ms" validate:"gtefield=DialInitialBackoff"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the TCP broker config parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Registry are the subscriber registry config parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Mirror are the event mirror config parameters
	Mirror MirrorConfig `mapstructure:"mirror" json:"mirror" validate:"required,dive"`
	// Admin are the admin API server configs
	Admin AdminServerConfig `mapstructure:"admin" json:"admin" validate:"required,dive"`
	// Client are the protocol client config parameters
	Client ClientConfig `mapstructure:"client" json:"client" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.listen_on", "127.0.0.1")
	viper.SetDefault("broker.listen_port", 6789)
	viper.SetDefault("broker.bus_capacity", 32)
	viper.SetDefault("broker.max_frame_bytes", 8*1024*1024)
	viper.SetDefault("broker.abort_on_connect_error", true)
	viper.SetDefault("broker.stats_report_interval_sec", 0)

	// Default registry settings
	viper.SetDefault("registry.failover_promotion", false)
	viper.SetDefault("registry.request_buffer", 64)

	// Default mirror settings
	viper.SetDefault("mirror.workers", 2)
	viper.SetDefault("mirror.task_buffer", 64)

	// Default admin server settings
	viper.SetDefault("admin.enabled", false)
	viper.SetDefault("admin.endpoint_config.path_prefix", "/")
	viper.SetDefault("admin.api_server.server_config.listen_on", "127.0.0.1")
	viper.SetDefault("admin.api_server.server_config.listen_port", 6790)
	viper.SetDefault("admin.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"admin.api_server.logging_config.request_id_header", "Curio-Request-ID",
	)
	viper.SetDefault(
		"admin.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default protocol client settings
	viper.SetDefault("client.dial_max_retries", 5)
	viper.SetDefault("client.dial_initial_backoff_ms", 100)
	viper.SetDefault("client.dial_max_backoff_ms", 5000)
}
