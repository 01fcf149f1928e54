// Copyright 2025 The PgSentinel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil builds the daemon's slog logger from the repmgr-style
// loglevel / logfacility configuration keys.
//
// Levels follow the syslog names the config file has always used (DEBUG,
// INFO, NOTICE, WARNING, ERR, ALERT, CRIT, EMERG). NOTICE collapses into
// Info and everything at ERR and above into Error, which is as much
// granularity as slog carries.
//
// The facility selects the destination: STDERR, STDOUT, or a file path.
package logutil

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// leveler is a dynamic slog.Leveler so the level can be changed on config
// reload without rebuilding the handler chain.
type leveler struct {
	v atomic.Int64
}

func (l *leveler) Level() slog.Level {
	return slog.Level(l.v.Load())
}

// Logger wraps the configured *slog.Logger with a handle for dynamic
// level changes.
type Logger struct {
	*slog.Logger
	level *leveler
}

// ParseLevel maps a syslog-style level name to a slog level. Unknown names
// fall back to Info, matching the daemon's historical default.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "NOTICE", "":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERR", "ERROR", "ALERT", "CRIT", "EMERG":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a Logger writing to the destination named by facility at the
// given syslog-style level. A file-path facility that cannot be opened
// falls back to stderr; logging must never be the reason the daemon fails
// to start.
func New(level, facility string) *Logger {
	var out io.Writer
	switch strings.ToUpper(strings.TrimSpace(facility)) {
	case "", "STDERR":
		out = os.Stderr
	case "STDOUT":
		out = os.Stdout
	default:
		f, err := os.OpenFile(facility, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			out = os.Stderr
		} else {
			out = f
		}
	}

	lv := &leveler{}
	lv.v.Store(int64(ParseLevel(level)))

	lg := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv}))
	return &Logger{Logger: lg, level: lv}
}

// SetLevel changes the minimum level of this Logger's handler.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.v.Store(int64(level))
}

// MinLevel returns the current minimum level.
func (l *Logger) MinLevel() slog.Level {
	return l.level.Level()
}
