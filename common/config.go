// Copyright 2022 The httppush Authors
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
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// NotifySubject is the subject notify requests are received on
	NotifySubject string `mapstructure:"notify_subject" json:"notify_subject" validate:"required"`
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
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	//
	// There is no server wide write timeout; event streams are long lived, and each stream
	// write carries its own deadline (see PushConfig.WriteTimeout).
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// TLSConfig defines the TLS parameters of the push server listener
type TLSConfig struct {
	// Enabled whether to serve HTTPS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// CertFile is the PEM certificate chain file
	CertFile string `mapstructure:"cert_file" json:"cert_file" validate:"required_if=Enabled true,omitempty,file"`
	// KeyFile is the PEM private key file
	KeyFile string `mapstructure:"key_file" json:"key_file" validate:"required_if=Enabled true,omitempty,file"`
}

// MetricsConfig defines the Prometheus metrics listener
type MetricsConfig struct {
	// Enabled whether to serve metrics
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ListenOn is the interface the metrics server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the metrics server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
}

// ===============================================================================
// Push Server Related Config

// PushConfig defines the operating parameters of the push server workers
type PushConfig struct {
	// WorkerCount is the number of independent workers. Each client address is served by
	// exactly one worker.
	WorkerCount int `mapstructure:"worker_count" json:"worker_count" validate:"gte=1"`
	// MaxConnectionsPerAddress is the max number of open streams per client address
	MaxConnectionsPerAddress int `mapstructure:"max_connections_per_address" json:"max_connections_per_address" validate:"gte=1"`
	// HeartbeatInterval is the interval between heartbeat ticks in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// ConnectionTimeout is the max time without liveness refresh before a stream is evicted,
	// in seconds. Must be larger than HeartbeatInterval.
	ConnectionTimeout int `mapstructure:"connection_timeout_sec" json:"connection_timeout_sec" validate:"gtfield=HeartbeatInterval"`
	// CheckInterval is the interval between change polls in seconds
	CheckInterval int `mapstructure:"check_interval_sec" json:"check_interval_sec" validate:"gte=1"`
	// SendBufferSize is the number of frames which can be queued per stream
	SendBufferSize int `mapstructure:"send_buffer_size" json:"send_buffer_size" validate:"gte=1"`
	// WriteTimeout is the deadline for writing one frame to a stream in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// NotifyHandler is the handler whose streams receive notify pushes
	NotifyHandler string `mapstructure:"notify_handler" json:"notify_handler" validate:"required"`
	// TrustProxyHeaders whether X-Real-IP / X-Forwarded-For decide the client address
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" json:"trust_proxy_headers"`
}

// HandlerSetting defines one change detection handler to register
type HandlerSetting struct {
	// Type is the handler implementation
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=comments pages"`
	// PagesRoot is the root directory of the site content
	PagesRoot string `mapstructure:"pages_root" json:"pages_root" validate:"required"`
	// Options are additional handler specific parameters
	Options map[string]interface{} `mapstructure:"options" json:"options,omitempty"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete push server config
type SystemConfig struct {
	// APIServer are the HTTP API server parameters
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Push are the push worker parameters
	Push PushConfig `mapstructure:"push" json:"push" validate:"required"`
	// TLS are the TLS parameters
	TLS TLSConfig `mapstructure:"tls" json:"tls"`
	// Metrics are the metrics server parameters
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required"`
	// NATS are the NATS related config parameters. Notify over NATS is disabled if not set.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// Handlers are the change detection handlers to register, keyed by handler name
	Handlers map[string]HandlerSetting `mapstructure:"handlers" json:"handlers" validate:"dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default API server settings
	viper.SetDefault("api_server.server_config.listen_on", "127.0.0.1")
	viper.SetDefault("api_server.server_config.listen_port", 8080)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Httppush-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default push settings
	viper.SetDefault("push.worker_count", 4)
	viper.SetDefault("push.max_connections_per_address", 10)
	viper.SetDefault("push.heartbeat_interval_sec", 30)
	viper.SetDefault("push.connection_timeout_sec", 300)
	viper.SetDefault("push.check_interval_sec", 2)
	viper.SetDefault("push.send_buffer_size", 64)
	viper.SetDefault("push.write_timeout_sec", 10)
	viper.SetDefault("push.notify_handler", "comments")
	viper.SetDefault("push.trust_proxy_headers", false)

	// Default TLS settings
	viper.SetDefault("tls.enabled", false)

	// Default metrics settings
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen_on", "127.0.0.1")
	viper.SetDefault("metrics.listen_port", 9090)
}

// InstallDefaultNATSConfigValues installs default NATS parameters in viper. Only call when
// notify over NATS is wanted, as the presence of the "nats" section enables it.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.notify_subject", "httppush.notify")
}
