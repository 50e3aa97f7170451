package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter is an io.Writer that turns lines written by stdlib loggers
// (net/http's ErrorLog, third-party packages calling log.Printf) into
// structured records. A leading "name: " prefix such as "http: " becomes the
// component when it maps to a known one.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that logs at warn level under
// defaultComponent unless the line names a better one.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: slog.LevelWarn}
}

// StdLogger wraps a BridgeWriter in a *log.Logger, for APIs such as
// http.Server.ErrorLog that only accept the stdlib type.
func StdLogger(component string) *log.Logger {
	return log.New(NewBridgeWriter(component), "", 0)
}

// Write implements io.Writer. Each call is one record.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if idx := strings.Index(msg, ": "); idx > 0 && idx < 16 && !strings.ContainsAny(msg[:idx], " \t[") {
		if c, ok := canonicalComponent(strings.ToLower(msg[:idx])); ok {
			component = c
			msg = msg[idx+2:]
		}
	}

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp drops the "2006/01/02 15:04:05 " prefix that log.LstdFlags
// adds, since slog records its own time.
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[16] == ':' && s[19] == ' ' {
		return s[20:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps prefixes seen in third-party log output to
// component names.
func canonicalComponent(prefix string) (string, bool) {
	switch prefix {
	case "http", "websocket", "ws":
		return CompWeb, true
	case "pty", "exec":
		return CompHost, true
	case "sqlite", "sql", "db":
		return CompStorage, true
	case "fsnotify", "toml":
		return CompConfig, true
	default:
		return "", false
	}
}
