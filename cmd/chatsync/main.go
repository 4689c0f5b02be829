package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/halcyonchat/chatsync/internal/cache"
	"github.com/halcyonchat/chatsync/internal/config"
	"github.com/halcyonchat/chatsync/internal/engine"
	"github.com/halcyonchat/chatsync/internal/keyring"
	"github.com/halcyonchat/chatsync/internal/logging"
	"github.com/halcyonchat/chatsync/internal/queue"
	"github.com/halcyonchat/chatsync/internal/store"
	"github.com/halcyonchat/chatsync/internal/transport"
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
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("data_dir", cfg.DataDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	keys, err := loadKeyring(cfg, st, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	q, err := queue.New(st.Bolt(), cfg.MaxOpRetries, logging.ForComponent(logger, "queue"))
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}

	if n, err := q.Len(); err == nil && n > 0 {
		logger.Info("pending offline operations found", slog.Int("count", n))
	}

	metaCache := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL, cfg.CacheSweepEvery,
		logging.ForComponent(logger, "cache"))

	tr := transport.New(
		transport.Dialer(cfg.ServerHost, cfg.AuthToken),
		logging.ForComponent(logger, "transport"),
	)

	eng := engine.New(engine.Config{
		Store:          st,
		Queue:          q,
		Cache:          metaCache,
		Keys:           keys,
		Transport:      tr,
		Logger:         logging.ForComponent(logger, "engine"),
		DeviceName:     cfg.DeviceName,
		FlushInterval:  cfg.FlushInterval,
		MaxSyncRetries: cfg.MaxSyncRetries,
		OnEvent: func(ev engine.Event) {
			logEvent(logger, ev)
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		metaCache.Sweep(gctx)
		return gctx.Err()
	})

	return g.Wait()
}

// loadKeyring reuses a persisted master key when one exists, otherwise
// derives it from the passphrase and stores it per the remember-key
// setting. A mismatch between a persisted key and the configured
// passphrase is fatal rather than silently re-derived.
func loadKeyring(cfg *config.Config, st *store.Store, logger *slog.Logger) (*keyring.Keyring, error) {
	ks, err := keyring.NewBoltKeyStore(st.Bolt())
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}

	master, found, err := ks.LoadMaster()
	if err != nil {
		return nil, fmt.Errorf("loading master key: %w", err)
	}

	if found {
		logger.Info("using persisted master key",
			slog.String("keyhash_prefix", keyring.KeyHash(master)[:16]))
		return keyring.New(master)
	}

	logger.Info("deriving master key")
	master, err = keyring.DeriveMasterKey(cfg.Passphrase, cfg.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	logger.Debug("master key derived",
		slog.String("keyhash_prefix", keyring.KeyHash(master)[:16]))

	if err := ks.SaveMaster(master, cfg.RememberKey); err != nil {
		logger.Warn("failed to persist master key", slog.String("error", err.Error()))
	}

	return keyring.New(master)
}

func logEvent(logger *slog.Logger, ev engine.Event) {
	switch ev := ev.(type) {
	case engine.SyncComplete:
		logger.Info("sync complete")
	case engine.SyncIncomplete:
		logger.Warn("initial sync incomplete, serving cached data")
	case engine.ConflictDetected:
		logger.Warn("draft conflict resolved from server",
			slog.String("chat_id", ev.ChatID))
	case engine.OperationFailed:
		logger.Warn("operation failed",
			slog.String("op_id", ev.OpID),
			slog.String("kind", string(ev.Kind)),
			slog.String("entity_id", ev.EntityID),
			slog.String("reason", ev.Reason))
	case engine.IdentityPromoted:
		logger.Info("conversation promoted",
			slog.String("temp_id", ev.TempID),
			slog.String("durable_id", ev.DurableID))
	}
}
