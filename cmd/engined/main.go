// Command engined boots the torrent engine: it wires config, logging,
// the library adapter, the event bus, resume storage and the
// SessionWorker, then blocks until asked to stop. It opens no network
// listener of its own; callers reach the engine in-process via Worker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	alog "github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"

	"revaer.io/engine/internal/config"
	"revaer.io/engine/internal/engine"
	"revaer.io/engine/internal/engine/libtorrent"
	"revaer.io/engine/internal/metrics"
	"revaer.io/engine/internal/resume"
	"revaer.io/engine/internal/telemetry"

	enginebus "revaer.io/engine/internal/bus"
)

func main() {
	configFile := flag.String("config", "", "path to a revaer.yaml config file (optional)")
	flag.Parse()

	v := config.New(*configFile)
	proc := config.LoadProcessConfig(v)

	logger := telemetry.NewLogger(proc.LogLevel, proc.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	logger.Info("configuration loaded",
		slog.String("dataDir", proc.DataDir),
		slog.String("resumeDir", proc.ResumeDir),
		slog.String("logLevel", proc.LogLevel),
		slog.String("logFormat", proc.LogFormat),
	)

	if err := os.MkdirAll(proc.DataDir, 0o755); err != nil {
		logger.Error("create data dir failed", slog.Any("err", err))
		os.Exit(1)
	}

	resumeStore, err := resume.New(proc.ResumeDir)
	if err != nil {
		logger.Error("resume store init failed", slog.Any("err", err))
		os.Exit(1)
	}

	watcher := config.NewWatcher(v)
	bootProfile, err := watcher.Load(context.Background())
	if err != nil {
		logger.Error("initial profile load failed", slog.Any("err", err))
		os.Exit(1)
	}

	adapter, err := libtorrent.New(libtorrent.Config{
		DataDir:                    proc.DataDir,
		ListenPort:                 bootProfile.ListenPort,
		NoDHT:                      !bootProfile.DHTEnabled,
		DisablePEX:                 !bootProfile.PEXEnabled,
		Logger:                     alog.Logger{LoggerImpl: telemetry.NewAnacrolixBridge(logger)},
		SlogLogger:                 logger,
		DownloadRateBytesPerSec:    bootProfile.GlobalDownloadRateBytesPerSec,
		UploadRateBytesPerSec:      bootProfile.GlobalUploadRateBytesPerSec,
		EstablishedConnsPerTorrent: bootProfile.MaxConnectionsPerTorrent,
	}, resumeStore)
	if err != nil {
		logger.Error("libtorrent adapter init failed", slog.Any("err", err))
		os.Exit(1)
	}

	bus := enginebus.New(logger)
	defer bus.Close()

	worker := engine.New(logger, adapter, bus, resumeStore, watcher, filepath.Join(proc.DataDir, ".movestage"))

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		runErr <- worker.Run(rootCtx)
	}()

	logger.Info("engine started")

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			logger.Error("worker run exited", slog.Any("err", err))
		}
		runErr <- err
	}
	stop()

	select {
	case <-runErr:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop within shutdown timeout")
	}

	if err := adapter.Close(); err != nil {
		logger.Warn("libtorrent adapter close error", slog.Any("err", err))
	}

	logger.Info("engine stopped")
}
