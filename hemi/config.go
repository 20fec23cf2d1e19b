// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Server configuration. Defaults, then a TOML file, then HYPERGATE_* environment variables.

package hemi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "HYPERGATE_"

// Config
type Config struct {
	// Gates
	Bind            string `toml:"bind" env:"BIND"`           // cleartext TCP address
	TLSBind         string `toml:"tls_bind" env:"TLS_BIND"`   // TLS address, ALPN h2 and http/1.1
	QUICBind        string `toml:"quic_bind" env:"QUIC_BIND"` // QUIC address, ALPN h3
	CertFile        string `toml:"cert_file" env:"CERT_FILE"`
	KeyFile         string `toml:"key_file" env:"KEY_FILE"`
	H2C             bool   `toml:"h2c" env:"H2C"` // accept HTTP/2 with prior knowledge on Bind
	ReusePort       bool   `toml:"reuse_port" env:"REUSE_PORT"`
	MaxConnsPerGate int32  `toml:"max_conns_per_gate" env:"MAX_CONNS_PER_GATE"`
	ServerHeader    string `toml:"server_header" env:"SERVER_HEADER"`

	// Timeouts
	KeepAliveTimeout time.Duration `toml:"keep_alive_timeout" env:"KEEP_ALIVE_TIMEOUT"`
	HeaderTimeout    time.Duration `toml:"header_timeout" env:"HEADER_TIMEOUT"`
	BodyTimeout      time.Duration `toml:"body_timeout" env:"BODY_TIMEOUT"`
	SendTimeout      time.Duration `toml:"send_timeout" env:"SEND_TIMEOUT"`
	WriteTimeout     time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	GracefulTimeout  time.Duration `toml:"graceful_timeout" env:"GRACEFUL_TIMEOUT"`
	LifespanTimeout  time.Duration `toml:"lifespan_timeout" env:"LIFESPAN_TIMEOUT"`

	// Limits
	MaxConcurrentStreams int `toml:"max_concurrent_streams" env:"MAX_CONCURRENT_STREAMS"`
	StreamWindow         int `toml:"stream_window" env:"STREAM_WINDOW"` // per stream receive window
	ConnWindow           int `toml:"conn_window" env:"CONN_WINDOW"`     // per connection receive window
	MaxHeadSize          int `toml:"max_head_size" env:"MAX_HEAD_SIZE"` // HTTP/1 request head
	MaxFrameSize         int `toml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	MaxHeaderListSize    int `toml:"max_header_list_size" env:"MAX_HEADER_LIST_SIZE"`
	WebSocketMaxMessage  int `toml:"websocket_max_message" env:"WEBSOCKET_MAX_MESSAGE"`

	Log LogConfig `toml:"log" envPrefix:"LOG_"`
}

// DefaultConfig returns a config that serves cleartext HTTP/1.1 on :8080.
func DefaultConfig() *Config {
	return &Config{
		Bind:         ":8080",
		ServerHeader: "hypergate",

		KeepAliveTimeout: 5 * time.Second,
		HeaderTimeout:    10 * time.Second,
		BodyTimeout:      30 * time.Second,
		SendTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		GracefulTimeout:  10 * time.Second,
		LifespanTimeout:  60 * time.Second,

		MaxConcurrentStreams: 100,
		StreamWindow:         256 << 10,
		ConnWindow:           1 << 20,
		MaxHeadSize:          16 << 10,
		MaxFrameSize:         16 << 10,
		MaxHeaderListSize:    64 << 10,
		WebSocketMaxMessage:  1 << 20,

		Log: LogConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig builds a config from defaults, the TOML file at path if path is not empty, and the environment.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, config)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			return nil, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
		}
	}
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks ranges and combinations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, v ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, v...))
		}
	}
	check(c.Bind != "" || c.TLSBind != "" || c.QUICBind != "", "no gate address configured")
	if c.TLSBind != "" || c.QUICBind != "" {
		check(c.CertFile != "" && c.KeyFile != "", "tls_bind and quic_bind need cert_file and key_file")
	}
	check(c.MaxConnsPerGate >= 0, "max_conns_per_gate must not be negative")
	for name, d := range map[string]time.Duration{
		"keep_alive_timeout": c.KeepAliveTimeout,
		"header_timeout":     c.HeaderTimeout,
		"body_timeout":       c.BodyTimeout,
		"send_timeout":       c.SendTimeout,
		"write_timeout":      c.WriteTimeout,
		"graceful_timeout":   c.GracefulTimeout,
		"lifespan_timeout":   c.LifespanTimeout,
	} {
		check(d > 0, "%s must be positive", name)
	}
	check(c.MaxConcurrentStreams >= 1, "max_concurrent_streams must be at least 1")
	// RFC 9113: Values above the maximum flow-control window size of 2^31-1 MUST be treated as a connection error.
	check(c.StreamWindow >= 65535 && c.StreamWindow <= maxWindowSize, "stream_window must be in [65535, 2^31-1]")
	check(c.ConnWindow >= 65535 && c.ConnWindow <= maxWindowSize, "conn_window must be in [65535, 2^31-1]")
	check(c.MaxFrameSize >= 1<<14 && c.MaxFrameSize <= 1<<24-1, "max_frame_size must be in [16384, 16777215]")
	check(c.MaxHeadSize >= 1<<10, "max_head_size must be at least 1024")
	check(c.MaxHeaderListSize >= 1<<10, "max_header_list_size must be at least 1024")
	check(c.WebSocketMaxMessage >= 125, "websocket_max_message must be at least 125")
	if err := c.Log.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
