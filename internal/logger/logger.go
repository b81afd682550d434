// Copyright 2024 The sabfs Authors. All Rights Reserved.
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

// Package logger provides the process-wide leveled logger used by every
// sabfs component. Severities follow the usual TRACE..ERROR ladder on
// top of log/slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Syslog-style extremes that slog does not define.
const (
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(12)
)

var (
	defaultLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newTextHandler(os.Stderr, defaultLevel, ""))
)

func newTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return &prefixHandler{
		prefix: prefix,
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey {
					a.Key = "severity"
					if a.Value.Any().(slog.Level) == LevelTrace {
						a.Value = slog.StringValue("TRACE")
					}
				}
				if a.Key == slog.MessageKey {
					a.Key = "message"
				}
				return a
			},
		}),
	}
}

type prefixHandler struct {
	inner  slog.Handler
	prefix string
}

func (h *prefixHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = h.prefix + r.Message
	return h.inner.Handle(ctx, r)
}

func (h *prefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &prefixHandler{inner: h.inner.WithAttrs(attrs), prefix: h.prefix}
}

func (h *prefixHandler) WithGroup(name string) slog.Handler {
	return &prefixHandler{inner: h.inner.WithGroup(name), prefix: h.prefix}
}

// SetLogSeverity adjusts the level of the default logger. Accepted
// values: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
func SetLogSeverity(severity string) {
	switch severity {
	case "TRACE":
		defaultLevel.Set(LevelTrace)
	case "DEBUG":
		defaultLevel.Set(slog.LevelDebug)
	case "INFO":
		defaultLevel.Set(slog.LevelInfo)
	case "WARNING":
		defaultLevel.Set(slog.LevelWarn)
	case "ERROR":
		defaultLevel.Set(slog.LevelError)
	case "OFF":
		defaultLevel.Set(LevelOff)
	}
}

// SetOutput redirects the default logger, primarily for tests.
func SetOutput(w io.Writer) {
	defaultLogger = slog.New(newTextHandler(w, defaultLevel, ""))
}

func Tracef(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
