// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Loggers log events.

package hemi

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger. All zerolog methods are available on *Logger.
type Logger struct {
	zerolog.Logger
	file *os.File // set if output is a file we opened
}

// LogConfig
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`   // "trace", "debug", "info", "warn", "error"
	Format string `toml:"format" env:"FORMAT"` // "json" or "console"
	Output string `toml:"output" env:"OUTPUT"` // "stdout", "stderr" or a file path
}

func (c *LogConfig) validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format %q is not json or console", c.Format)
	}
	if c.Output == "" {
		return fmt.Errorf("log output is empty")
	}
	return nil
}

// NewLogger creates a logger from config. A non-zero DebugLevel lowers the level to debug or trace.
func NewLogger(config LogConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", config.Level, err)
	}
	switch debug := DebugLevel(); {
	case debug >= 2:
		level = zerolog.TraceLevel
	case debug == 1 && level > zerolog.DebugLevel:
		level = zerolog.DebugLevel
	}
	l := new(Logger)
	var out io.Writer
	switch config.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		l.file, out = file, file
	}
	if config.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000"}
	}
	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger { return &Logger{Logger: zerolog.Nop()} }

// connLogger returns a child logger for one connection.
func (l *Logger) connLogger(id int64, proto string) *Logger {
	return &Logger{Logger: l.With().Int64("conn", id).Str("proto", proto).Logger()}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
