// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Command relay runs the messaging gateway: websocket endpoint,
// cross-instance event broker, and the asynchronous persistence
// worker, supervised as one tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/pushfeed/relay/internal/api"
	"github.com/pushfeed/relay/internal/auth"
	"github.com/pushfeed/relay/internal/broker"
	"github.com/pushfeed/relay/internal/config"
	"github.com/pushfeed/relay/internal/gateway"
	"github.com/pushfeed/relay/internal/logging"
	"github.com/pushfeed/relay/internal/persist"
	"github.com/pushfeed/relay/internal/store"
	"github.com/pushfeed/relay/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("relay exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Badger backs the auth cache and the failed-persist set.
	kv, err := openBadger(cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer func() { _ = kv.Close() }()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var embedded *broker.EmbeddedServer
	natsURL := cfg.Broker.URL
	if cfg.Broker.Backend == "nats" && cfg.Broker.Embedded {
		srvCfg := broker.DefaultServerConfig()
		if cfg.Broker.StoreDir != "" {
			srvCfg.StoreDir = cfg.Broker.StoreDir
		}
		embedded, err = broker.NewEmbeddedServer(srvCfg)
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		natsURL = embedded.ClientURL()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}()
	}

	events, queue, err := openBroker(ctx, cfg, natsURL)
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
		_ = events.Close()
	}()

	verifier, err := buildVerifier(ctx, cfg.Auth, kv)
	if err != nil {
		return fmt.Errorf("build identity verifier: %w", err)
	}

	gw := gateway.New(gateway.Config{
		Origin:       cfg.Gateway.Origin,
		SyncPageSize: cfg.Gateway.SyncPageSize,
		IntentRate:   cfg.Gateway.IntentRate,
		IntentBurst:  cfg.Gateway.IntentBurst,
	}, st, verifier, events, persist.NewEnqueuer(queue.Publisher()))

	worker, err := persist.NewWorker(persist.WorkerConfig{
		CloseTimeout:         cfg.Persist.CloseTimeout,
		RetryMaxRetries:      cfg.Persist.RetryMaxRetries,
		RetryInitialInterval: cfg.Persist.RetryInitialInterval,
		RetryMaxInterval:     cfg.Persist.RetryMaxInterval,
		RetryMultiplier:      2.0,
	}, st, events, gw.Origin(), queue.Subscriber(), queue.Publisher(), persist.NewFailedSet(kv))
	if err != nil {
		return fmt.Errorf("build persist worker: %w", err)
	}
	worker.AddPoisonConsumer(queue.Subscriber())
	worker.OnPersisted = gw.HandlePersisted

	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		UpgradeRateLimit:   cfg.Server.UpgradeRateLimit,
		UpgradeRateWindow:  cfg.Server.UpgradeRateWindow,
	}, gw, readiness(st))
	httpServer := api.NewServer(api.ServerConfig{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, router)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(gw)
	tree.AddMessagingService(worker)
	tree.AddAPIService(httpServer)

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Str("origin", gw.Origin()).
		Str("store", cfg.Store.Backend).
		Str("broker", cfg.Broker.Backend).
		Msg("relay starting")

	err = tree.Serve(ctx)
	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("relay stopped")
	return nil
}

func openBadger(cfg config.CacheConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	return badger.Open(opts.WithLogger(nil))
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == "memory" {
		return store.NewMemStore(), nil
	}
	return store.NewSQLStore(store.SQLConfig{
		Path:               cfg.Store.Path,
		SyncPageSize:       cfg.Gateway.SyncPageSize,
		BreakerMaxFailures: uint32(cfg.Store.BreakerMaxFailures),
		BreakerOpenFor:     cfg.Store.BreakerOpenFor,
	})
}

func openBroker(ctx context.Context, cfg *config.Config, natsURL string) (broker.Broker, *persist.Queue, error) {
	if cfg.Broker.Backend == "channel" {
		return broker.NewChannelBroker(), persist.NewChannelQueue(), nil
	}

	events, err := broker.NewNATSBroker(ctx, broker.NATSConfig{
		URL:             natsURL,
		MaxReconnects:   cfg.Broker.MaxReconnects,
		ReconnectWait:   cfg.Broker.ReconnectWait,
		StreamMaxAge:    cfg.Broker.StreamMaxAge,
		DuplicateWindow: cfg.Broker.DuplicateWindow,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect event broker: %w", err)
	}

	queue, err := persist.NewNATSQueue(ctx, persist.QueueConfig{
		URL:             natsURL,
		MaxReconnects:   cfg.Broker.MaxReconnects,
		ReconnectWait:   cfg.Broker.ReconnectWait,
		DuplicateWindow: cfg.Broker.DuplicateWindow,
	})
	if err != nil {
		_ = events.Close()
		return nil, nil, fmt.Errorf("open persist queue: %w", err)
	}
	return events, queue, nil
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, kv *badger.DB) (auth.Verifier, error) {
	var inner auth.Verifier
	var err error
	switch cfg.Mode {
	case "oidc":
		inner, err = auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCSecret,
		})
	default:
		inner, err = auth.NewJWTVerifier(auth.JWTConfig{
			Secret:        cfg.JWTSecret,
			TokenLifetime: cfg.TokenLifetime,
		})
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheTTL > 0 {
		return auth.NewCachedVerifier(inner, kv, cfg.CacheTTL), nil
	}
	return inner, nil
}

// readiness pings the store when the backend supports it.
func readiness(st store.Store) api.ReadyChecker {
	pinger, ok := st.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pinger.Ping(ctx)
	}
}
