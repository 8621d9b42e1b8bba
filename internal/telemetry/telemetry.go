// Package telemetry wires the engine's structured logging: one slog.Logger
// built at boot, plus a bridge that turns the BitTorrent library's own
// logger interface (github.com/anacrolix/log) into slog records so peer
// errors, DHT bootstrap noise, and listen-bind failures land in the same
// sink as the engine's own components.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"

	alog "github.com/anacrolix/log"
)

// NewLogger builds the process-wide slog.Logger. format is "json" or
// "text" (default); level is parsed case-insensitively, defaulting to info
// on an unrecognized value.
func NewLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AnacrolixBridge adapts a *slog.Logger into anacrolix/log's Logger
// interface, so it can be installed as torrent.ClientConfig.Logger. Library
// lines about listen-bind or TLS failures reach the log through here only;
// no ListenBind or TLSVerify error event is raised from them.
type AnacrolixBridge struct {
	logger *slog.Logger
}

func NewAnacrolixBridge(logger *slog.Logger) AnacrolixBridge {
	return AnacrolixBridge{logger: logger}
}

// Log implements alog.Logger. anacrolix/log calls this for every internal
// log line (peer errors, DHT bootstrap, listen-bind failures); it is
// installed as torrent.ClientConfig.Logger.LoggerImpl so those lines reach
// the same structured sink as the engine's own components.
func (b AnacrolixBridge) Log(msg alog.Msg) {
	b.logger.Log(context.Background(), fromAnacrolixLevel(msg.Level()), msg.String(),
		slog.String("component", "anacrolix"))
}

func fromAnacrolixLevel(l alog.Level) slog.Level {
	switch {
	case l.LessThan(alog.Debug):
		return slog.LevelDebug - 4
	case l.LessThan(alog.Info):
		return slog.LevelDebug
	case l.LessThan(alog.Warning):
		return slog.LevelInfo
	case l.LessThan(alog.Error):
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
