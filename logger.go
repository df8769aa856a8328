// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger for structured logging throughout the application
type Logger struct {
	*slog.Logger
}

func levelFor(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// NewLogger creates a new structured logger
func NewLogger(debug bool) *Logger {
	return newLoggerTo(os.Stdout, debug, false)
}

// NewJSONLogger creates a new JSON structured logger (useful for production/log aggregation)
func NewJSONLogger(debug bool) *Logger {
	return newLoggerTo(os.Stdout, debug, true)
}

func newLoggerTo(w io.Writer, debug, json bool) *Logger {
	opts := &slog.HandlerOptions{
		Level: levelFor(debug),
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewDiscardLogger returns a logger that drops everything
func NewDiscardLogger() *Logger {
	return newLoggerTo(io.Discard, false, false)
}

// WithComponent returns a logger with a component field pre-set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithInstance returns a logger with an instance field pre-set
func (l *Logger) WithInstance(instanceID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("instance", instanceID),
	}
}

// WithMeter returns a logger with a meter field pre-set
func (l *Logger) WithMeter(meterID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("meter", meterID),
	}
}

// WithUsername returns a logger with a masked username field pre-set
func (l *Logger) WithUsername(username string) *Logger {
	masked := username
	if len(username) > 3 {
		masked = username[:3] + "***"
	}
	return &Logger{
		Logger: l.Logger.With("username", masked),
	}
}

// LogAPIRequest logs a portal request with common fields
func (l *Logger) LogAPIRequest(method, endpoint string, statusCode int, duration float64) {
	l.Debug("Portal request",
		"method", method,
		"endpoint", endpoint,
		"status_code", statusCode,
		"duration_ms", duration*1000,
	)
}

// LogAPIError logs a portal error with details
func (l *Logger) LogAPIError(err error, endpoint string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		l.Error("Portal request failed",
			"endpoint", endpoint,
			"status_code", apiErr.StatusCode,
			"retryable", apiErr.Retryable,
			"error", apiErr.Message,
		)
		return
	}
	l.Error("Portal request failed",
		"endpoint", endpoint,
		"error", err.Error(),
	)
}

// LogMalformedField records a reading field that was missing or not numeric
func (l *Logger) LogMalformedField(field string, raw any) {
	l.Debug("Malformed reading field, using 0",
		"field", field,
		"raw", raw,
	)
}
