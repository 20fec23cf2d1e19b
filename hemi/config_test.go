// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hypergate.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
bind = "127.0.0.1:9000"
keep_alive_timeout = "2s"
stream_window = 131072
h2c = true

[log]
level = "debug"
format = "console"
`)
	t.Setenv("HYPERGATE_STREAM_WINDOW", "65535")
	t.Setenv("HYPERGATE_LOG_LEVEL", "warn")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", config.Bind)
	assert.Equal(t, 2*time.Second, config.KeepAliveTimeout)
	assert.True(t, config.H2C)
	assert.Equal(t, 65535, config.StreamWindow) // env wins over the file
	assert.Equal(t, "warn", config.Log.Level)
	assert.Equal(t, "console", config.Log.Format)
	assert.Equal(t, 1<<20, config.ConnWindow) // untouched keys keep defaults
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, "bind = \":8080\"\nkeepalive = \"5s\"\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys keepalive")
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("HYPERGATE_HEADER_TIMEOUT", "soon")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"no gates", func(c *Config) { c.Bind = "" }, "no gate address"},
		{"tls without cert", func(c *Config) { c.TLSBind = ":8443" }, "need cert_file"},
		{"small stream window", func(c *Config) { c.StreamWindow = 1000 }, "stream_window"},
		{"huge conn window", func(c *Config) { c.ConnWindow = 1 << 31 }, "conn_window"},
		{"small frame size", func(c *Config) { c.MaxFrameSize = 1000 }, "max_frame_size"},
		{"zero streams", func(c *Config) { c.MaxConcurrentStreams = 0 }, "max_concurrent_streams"},
		{"zero timeout", func(c *Config) { c.BodyTimeout = 0 }, "body_timeout"},
		{"negative conns", func(c *Config) { c.MaxConnsPerGate = -1 }, "max_conns_per_gate"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hypergate.log")
	logger, err := NewLogger(LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info().Str("gate", "tcp").Msg("gate opened")
	logger.Debug().Msg("hidden")
	logger.connLogger(7, "HTTP/2").Warn().Msg("conn slow")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"message":"gate opened"`)
	assert.Contains(t, text, `"gate":"tcp"`)
	assert.NotContains(t, text, "hidden")
	assert.Contains(t, text, `"conn":7`)
	assert.Contains(t, text, `"proto":"HTTP/2"`)
}

func TestNewLoggerBadLevel(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "chatty", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}
