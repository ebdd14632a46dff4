package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/alexjbarnes/alertsync/internal/cache"
	"github.com/alexjbarnes/alertsync/internal/config"
	"github.com/alexjbarnes/alertsync/internal/engine"
	"github.com/alexjbarnes/alertsync/internal/logging"
	"github.com/alexjbarnes/alertsync/internal/registry"
	"github.com/alexjbarnes/alertsync/internal/store"
	"github.com/alexjbarnes/alertsync/internal/syncstate"
	"github.com/alexjbarnes/alertsync/internal/transport"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("alertsync starting",
		slog.String("version", Version),
		slog.String("host", cfg.ServerHost),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	// A freshly configured token replaces the cached one; otherwise the
	// cached token from the previous session is used.
	if cfg.Token != "" {
		if err := st.SetToken(cfg.Token); err != nil {
			logger.Warn("failed to cache token", slog.String("error", err.Error()))
		}
	} else if st.Token() == "" {
		return fmt.Errorf("no bearer token: set ALERTSYNC_TOKEN")
	}

	reg, err := registry.Load(st, logger)
	if err != nil {
		return fmt.Errorf("loading channel registry: %w", err)
	}

	evCache, err := cache.Load(st, cfg.CacheCap, logger)
	if err != nil {
		return fmt.Errorf("loading event cache: %w", err)
	}

	tracker, err := syncstate.Load(st, cfg.FlushInterval, logger)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}

	var eng *engine.Engine

	conn := transport.New(transport.Config{
		Host:   cfg.ServerHost,
		Device: cfg.DeviceName,
		TokenProvider: func() string {
			return st.Token()
		},
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Handler: func(data []byte) {
			eng.HandleFrame(data)
		},
		OnConnect: func() {
			eng.Reconnected()
		},
		OnStateChange: func(s transport.State) {
			logger.Info("connection state changed", slog.String("state", s.String()))
		},
	}, logger)

	eng = engine.New(engine.Config{
		Registry:            reg,
		Cache:               evCache,
		States:              tracker,
		Transport:           conn,
		BackfillTimeout:     cfg.BackfillTimeout,
		BackfillMaxAttempts: cfg.BackfillMaxAttempts,
		Signals: engine.Signals{
			// Notification presentation is the platform layer's job;
			// this boundary only announces that a channel has news.
			NewEvent: func(channelID string, ev alert.Event) {
				logger.Info("new event",
					slog.String("channel", channelID),
					slog.Int64("sequence", ev.Sequence),
					slog.Int("unread", evCache.UnreadCount(channelID)),
				)
			},
			SyncStateChanged: func(channelID string, st alert.SyncState) {
				logger.Debug("sync state changed",
					slog.String("channel", channelID),
					slog.Int64("contiguous", st.HighestContiguousSequence),
					slog.Int64("seen", st.HighestSeenSequence),
					slog.Bool("catching_up", st.CatchUpInProgress),
				)
			},
		},
	}, logger)

	reg.SetListener(eng)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })

	seeds, err := cfg.BootstrapChannels()
	if err != nil {
		return fmt.Errorf("loading bootstrap channels: %w", err)
	}
	for _, ch := range seeds {
		if err := reg.Subscribe(ch); err != nil {
			logger.Warn("bootstrap subscribe failed",
				slog.String("channel", ch.ID()),
				slog.String("error", err.Error()),
			)
		}
	}

	conn.Connect()

	err = g.Wait()

	// The debounced sync state must hit disk before exit; resume
	// correctness depends on it.
	tracker.ForceSave()

	if errors.Is(err, context.Canceled) {
		logger.Info("alertsync stopped")

		return nil
	}

	return err
}
