// Polyflow - market and on-chain data ingestion core for Polymarket.
//
// Wires the four long-lived subsystems together:
// 1. Admission limiter in front of every HTTP upstream
// 2. Memoizing cache for read-mostly data API queries
// 3. Multiplexed WebSocket feed for live prices and books
// 4. Chain monitor for conditional-token transfers (push with polling fallback)
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xnico/polyflow/internal/cache"
	"github.com/0xnico/polyflow/internal/chain"
	"github.com/0xnico/polyflow/internal/config"
	"github.com/0xnico/polyflow/internal/dataapi"
	"github.com/0xnico/polyflow/internal/feed"
	"github.com/0xnico/polyflow/internal/ratelimit"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("⚡ Polyflow ingestion core starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared connectivity layer
	limiter := ratelimit.New(ratelimit.DefaultConfigs())
	memo := cache.New()
	api := dataapi.NewClient(cfg.DataAPIURL, cfg.GammaAPIURL, cfg.CLOBAPIURL, limiter, memo)

	// Market feed
	market := feed.NewManager(cfg.MarketWSURL)
	market.Start()
	defer market.Stop()

	// Chain monitor
	monitor, err := chain.NewMonitor(chain.Config{
		RPCURL:               cfg.PolygonRPCURL,
		WSURL:                cfg.PolygonWSURL,
		PollInterval:         cfg.ChainPollInterval,
		MinTransferValue:     cfg.MinTransferValue,
		AutoReconnect:        cfg.AutoReconnect,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		PushEnabled:          cfg.PushEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create chain monitor")
	}
	if err := monitor.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect chain monitor")
	}
	defer monitor.Disconnect()

	// Drain the transfer stream so downstream consumers can be attached later
	// without losing the live tail.
	stream := monitor.SubscribeAllTransfers()
	go func() {
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, chain.ErrStreamClosed) {
					log.Error().Err(err).Msg("Transfer stream error")
				}
				return
			}
			log.Debug().
				Str("tx", ev.TxHash).
				Str("from", ev.From).
				Str("to", ev.To).
				Str("amount", ev.Amount).
				Uint64("block", ev.BlockNumber).
				Bool("batch", ev.IsBatch).
				Msg("Transfer")
		}
	}()

	// Periodic stats
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := monitor.Stats()
				log.Info().
					Str("mode", string(stats.Mode)).
					Uint64("events", stats.EventsObserved).
					Uint64("last_block", stats.LastScannedBlock).
					Int("reconnects", stats.ReconnectAttempts).
					Str("feed", string(market.State())).
					Msg("📊 Ingestion stats")

				// Served from cache between leaderboard TTL windows.
				if entries, err := api.Leaderboard(ctx, "week", 5); err == nil && len(entries) > 0 {
					log.Debug().Str("wallet", entries[0].ProxyWallet).
						Str("amount", entries[0].Amount.String()).
						Msg("Leaderboard top")
				}
				if markets, err := api.Markets(ctx, 10); err == nil {
					log.Debug().Int("open_markets", len(markets)).Msg("Gamma catalog")
				}
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	cancel()
}
