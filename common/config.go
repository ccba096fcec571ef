// Copyright 2026 The podmq Authors
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

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Network Listener Related Config

// UDPListenerConfig defines a UDP listener's bind parameters
type UDPListenerConfig struct {
	// ListenOn is the interface the listener will bind on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the listener will bind on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadBufferSize is the size of the datagram read buffer in bytes
	ReadBufferSize int `mapstructure:"read_buffer_bytes" json:"read_buffer_bytes" validate:"gte=512,lte=65535"`
}

// ===============================================================================
// Broker Related Config

// BrokerConfig defines the pod relay and control protocol parameters
type BrokerConfig struct {
	// PodIngress is where pods send their sensor readings
	PodIngress UDPListenerConfig `mapstructure:"pod_ingress" json:"pod_ingress" validate:"required,dive"`
	// Control is where clients send register / list / connect / disconnect
	Control UDPListenerConfig `mapstructure:"control" json:"control" validate:"required,dive"`
	// LivenessWindow is the max silence in seconds before an unsubscribed pod is
	// no longer reported as active
	LivenessWindow int `mapstructure:"liveness_window_sec" json:"liveness_window_sec" validate:"gte=1"`
	// DisplayPrecision is the number of decimal places float readings are rounded
	// to when recorded for display. Relayed payloads are never rounded.
	DisplayPrecision int `mapstructure:"display_precision" json:"display_precision" validate:"gte=0,lte=10"`
	// AcknowledgeSubscriptions whether to reply to connect / disconnect requests
	AcknowledgeSubscriptions bool `mapstructure:"acknowledge_subscriptions" json:"acknowledge_subscriptions"`
}

// LivenessWindowDuration helper function to convert LivenessWindow into time.Duration
func (c BrokerConfig) LivenessWindowDuration() time.Duration {
	return time.Second * time.Duration(c.LivenessWindow)
}

// ===============================================================================
// Dashboard Related Config

// DashboardConfig defines the console status dashboard parameters
type DashboardConfig struct {
	// Enabled whether to print the status dashboard
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// RefreshInterval is the dashboard refresh interval in milliseconds
	RefreshInterval int `mapstructure:"refresh_interval_ms" json:"refresh_interval_ms" validate:"gte=50"`
	// IdleHeartbeatInterval is the interval in seconds between heartbeat lines
	// while no pod has reported in
	IdleHeartbeatInterval int `mapstructure:"idle_heartbeat_interval_sec" json:"idle_heartbeat_interval_sec" validate:"gte=1"`
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

// MirrorConfig defines parameters for mirroring pod readings onto NATS subjects
type MirrorConfig struct {
	// Enabled whether the mirror is active
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SubjectPrefix is prepended to the pod derived NATS subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// Encoding is the payload encoding
	Encoding string `mapstructure:"encoding" json:"encoding" validate:"required,oneof=json cbor"`
	// QueueDepth is the number of readings buffered for publishing
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// NATS are the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
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

// StatusAPIConfig defines configuration for the status API server
type StatusAPIConfig struct {
	// Enabled whether to serve the status API
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// HTTPSetting is the HTTP API / server parameters for the status API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the status APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the broker
type SystemConfig struct {
	// Broker are the relay and control protocol parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Dashboard are the console dashboard parameters
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard" validate:"required,dive"`
	// API are the status API server parameters
	API StatusAPIConfig `mapstructure:"api" json:"api" validate:"required,dive"`
	// Mirror are the NATS mirror parameters
	Mirror MirrorConfig `mapstructure:"mirror" json:"mirror" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.pod_ingress.listen_on", "0.0.0.0")
	viper.SetDefault("broker.pod_ingress.listen_port", 5001)
	viper.SetDefault("broker.pod_ingress.read_buffer_bytes", 65535)
	viper.SetDefault("broker.control.listen_on", "0.0.0.0")
	viper.SetDefault("broker.control.listen_port", 9001)
	viper.SetDefault("broker.control.read_buffer_bytes", 65535)
	viper.SetDefault("broker.liveness_window_sec", 5)
	viper.SetDefault("broker.display_precision", 2)
	viper.SetDefault("broker.acknowledge_subscriptions", false)

	// Default dashboard settings
	viper.SetDefault("dashboard.enabled", true)
	viper.SetDefault("dashboard.refresh_interval_ms", 500)
	viper.SetDefault("dashboard.idle_heartbeat_interval_sec", 5)

	// Default status API settings
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api.api_server.logging_config.request_id_header", "Podmq-Request-ID")
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default mirror settings
	viper.SetDefault("mirror.enabled", false)
	viper.SetDefault("mirror.subject_prefix", "podmq.pods")
	viper.SetDefault("mirror.encoding", "json")
	viper.SetDefault("mirror.queue_depth", 256)
	viper.SetDefault("mirror.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("mirror.nats.connect_timeout_sec", 30)
	viper.SetDefault("mirror.nats.reconnect.max_attempts", -1)
	viper.SetDefault("mirror.nats.reconnect.wait_interval_sec", 15)
}
