package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and logs every envelope the
// bus routes. -8 matches the OpenTelemetry trace severity.
const LevelTrace = slog.Level(-8)

// levelNames maps accepted log_level values to levels. "" means info.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a case-insensitive level name (trace, debug,
// info, warn or warning, error) to an [slog.Level]. Surrounding
// whitespace is ignored.
func ParseLogLevel(s string) (slog.Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// Level returns the configured log level, or info when it does not
// parse. Validate reports the bad value.
func (c *Config) Level() slog.Level {
	l, _ := ParseLogLevel(c.LogLevel)
	return l
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] that
// prints [LevelTrace] as "TRACE" instead of slog's "DEBUG-4".
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
