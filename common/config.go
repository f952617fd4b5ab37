// Copyright 2021-2022 The cfgpoll Authors
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
	"fmt"
	"time"

	"github.com/spf13/viper"
)

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
// Event Bus Related Config

// EventBusConfig defines how configuration change events are distributed
type EventBusConfig struct {
	// Mode is either "local" (in-process only) or "nats" (shared across server instances)
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=local nats"`
	// SubjectPrefix is the NATS subject prefix change events are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// Workers is the number of parallel change event processing loops
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// TaskBuffer is the depth of each processing loop's input queue
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
}

// ===============================================================================
// Long Polling Related Config

// LongPollingConfig defines the long polling session parameters
type LongPollingConfig struct {
	// MinTimeoutMs is the floor of the effective long polling timeout in ms
	MinTimeoutMs int `mapstructure:"min_timeout_ms" json:"min_timeout_ms" validate:"gte=0"`
	// FixedDelayMs is shaved off the client requested timeout so the server
	// replies before the client gives up, in ms
	FixedDelayMs int `mapstructure:"fixed_delay_ms" json:"fixed_delay_ms" validate:"gte=0"`
	// SamplePeriodMs is the pause between diagnostic samples in ms
	SamplePeriodMs int `mapstructure:"sample_period_ms" json:"sample_period_ms" validate:"gte=0"`
	// SampleTimes is the number of diagnostic samples merged per collection
	SampleTimes int `mapstructure:"sample_times" json:"sample_times" validate:"gte=1"`
	// RetainedClientTTL is how long a retained client address is remembered in seconds
	RetainedClientTTL int `mapstructure:"retained_client_ttl_sec" json:"retained_client_ttl_sec" validate:"gte=1"`
	// StatInterval is the interval between active session count reports in seconds
	StatInterval int `mapstructure:"stat_interval_sec" json:"stat_interval_sec" validate:"gte=1"`
	// RejectDelayMinMs is the minimum delay before a rejected request is answered in ms
	RejectDelayMinMs int `mapstructure:"reject_delay_min_ms" json:"reject_delay_min_ms" validate:"gte=0"`
	// RejectDelaySpanMs is the width of the random window added to RejectDelayMinMs
	RejectDelaySpanMs int `mapstructure:"reject_delay_span_ms" json:"reject_delay_span_ms" validate:"gte=1"`
}

// MinTimeout the effective timeout floor
func (c LongPollingConfig) MinTimeout() time.Duration {
	return time.Millisecond * time.Duration(c.MinTimeoutMs)
}

// FixedDelay the duration shaved off each client requested timeout
func (c LongPollingConfig) FixedDelay() time.Duration {
	return time.Millisecond * time.Duration(c.FixedDelayMs)
}

// SamplePeriod the pause between diagnostic samples
func (c LongPollingConfig) SamplePeriod() time.Duration {
	return time.Millisecond * time.Duration(c.SamplePeriodMs)
}

// ===============================================================================
// Admission Related Config

// AdmissionConfig defines the long polling connection admission parameters
type AdmissionConfig struct {
	// Mode is either "allow" (admit everything) or "limit"
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=allow limit"`
	// MaxSessions is the max number of concurrently parked sessions. 0 is unlimited.
	MaxSessions int `mapstructure:"max_sessions" json:"max_sessions" validate:"gte=0"`
	// PerClientRate is the sustained long polling requests per second allowed per client address
	PerClientRate float64 `mapstructure:"per_client_rate" json:"per_client_rate" validate:"gt=0"`
	// PerClientBurst is the request burst allowed per client address
	PerClientBurst int `mapstructure:"per_client_burst" json:"per_client_burst" validate:"gte=1"`
	// LimiterIdleTTL is how long an unused per client limiter is kept in seconds
	LimiterIdleTTL int `mapstructure:"limiter_idle_ttl_sec" json:"limiter_idle_ttl_sec" validate:"gte=1"`
}

// ===============================================================================
// Config Store Related Config

// ConfigStoreConfig defines the configuration content store parameters
type ConfigStoreConfig struct {
	// SeedFile is an optional YAML file with initial configuration content
	SeedFile string `mapstructure:"seed_file" json:"seed_file" validate:"omitempty,file"`
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
	//
	// Long polling holds are capped to fit within this timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HoldWriteMargin time kept between the end of a long polling hold and the write timeout
const HoldWriteMargin = time.Second

// MaxHold the longest hold whose answer can still be written, 0 if unbounded
func (c HTTPServerConfig) MaxHold() time.Duration {
	if c.WriteTimeout <= 0 {
		return 0
	}
	return time.Second*time.Duration(c.WriteTimeout) - HoldWriteMargin
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

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters. Only used when EventBus.Mode is "nats".
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// EventBus are the change event distribution parameters
	EventBus EventBusConfig `mapstructure:"event_bus" json:"event_bus" validate:"required,dive"`
	// LongPolling are the long polling session parameters
	LongPolling LongPollingConfig `mapstructure:"long_polling" json:"long_polling" validate:"required,dive"`
	// Admission are the connection admission parameters
	Admission AdmissionConfig `mapstructure:"admission" json:"admission" validate:"required,dive"`
	// ConfigStore are the configuration content store parameters
	ConfigStore ConfigStoreConfig `mapstructure:"config_store" json:"config_store" validate:"required,dive"`
	// APIServer are the API server configs
	APIServer APIServerConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// ===============================================================================

// CheckConsistency cross-field checks the struct validation tags can not express
func (c SystemConfig) CheckConsistency() error {
	maxHold := c.APIServer.HTTPSetting.Server.MaxHold()
	if maxHold != 0 && maxHold < c.LongPolling.MinTimeout() {
		return fmt.Errorf(
			"write_timeout_sec %d leaves no room for the minimum long polling hold of %s",
			c.APIServer.HTTPSetting.Server.WriteTimeout, c.LongPolling.MinTimeout(),
		)
	}
	return nil
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default event bus settings
	viper.SetDefault("event_bus.mode", "local")
	viper.SetDefault("event_bus.subject_prefix", "cfgpoll.config-change")
	viper.SetDefault("event_bus.workers", 4)
	viper.SetDefault("event_bus.task_buffer", 1024)

	// Default long polling settings
	viper.SetDefault("long_polling.min_timeout_ms", 10000)
	viper.SetDefault("long_polling.fixed_delay_ms", 500)
	viper.SetDefault("long_polling.sample_period_ms", 100)
	viper.SetDefault("long_polling.sample_times", 3)
	viper.SetDefault("long_polling.retained_client_ttl_sec", 3600)
	viper.SetDefault("long_polling.stat_interval_sec", 10)
	viper.SetDefault("long_polling.reject_delay_min_ms", 1000)
	viper.SetDefault("long_polling.reject_delay_span_ms", 2000)

	// Default admission settings
	viper.SetDefault("admission.mode", "allow")
	viper.SetDefault("admission.max_sessions", 0)
	viper.SetDefault("admission.per_client_rate", 10.0)
	viper.SetDefault("admission.per_client_burst", 20)
	viper.SetDefault("admission.limiter_idle_ttl_sec", 600)

	// Default config store settings
	viper.SetDefault("config_store.seed_file", "")

	// Default API server settings
	viper.SetDefault("api_server.endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.http.server_config.listen_port", 8848)
	viper.SetDefault("api_server.http.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.http.server_config.write_timeout_sec", 120)
	viper.SetDefault("api_server.http.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.http.logging_config.request_id_header", "Cfgpoll-Request-ID",
	)
	viper.SetDefault(
		"api_server.http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
