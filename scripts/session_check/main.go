package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-core/internal/health"
	"arbitrage-core/internal/session"
	"arbitrage-core/pkg/config"
	"arbitrage-core/pkg/crypto"
	"arbitrage-core/pkg/db"
	"arbitrage-core/pkg/exchanges/common"
	"arbitrage-core/pkg/exchanges/ctrader"
)

// This script bootstraps the cTrader session end-to-end with the configured credentials
// and stored tokens, then reports the account, catalog size and the symbols passed as
// arguments.
//
// Usage:
//   go run ./scripts/session_check [-health localhost:9090] SYMBOL...
//
// With -health it also queries a running core's gRPC health endpoint.

func main() {
	healthAddr := flag.String("health", "", "gRPC health address of a running core")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	log.Info().Msg("=== session check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *healthAddr != "" {
		status, err := health.Check(ctx, *healthAddr, health.SessionService)
		if err != nil {
			log.Error().Err(err).Str("addr", *healthAddr).Msg("health check failed")
		} else {
			log.Info().Str("addr", *healthAddr).Str("status", status.String()).Msg("running core health")
		}
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}
	var sealer *crypto.Sealer
	if cfg.TokenEncryptionKey != "" {
		key, err := crypto.ParseKey(cfg.TokenEncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("parse token key")
		}
		if sealer, err = crypto.NewSealer(key, 1); err != nil {
			log.Fatal().Err(err).Msg("token sealer")
		}
	}

	oauth := ctrader.NewOAuthClient(cfg.CtraderOAuthURL, cfg.CtraderClientID, cfg.CtraderClientSecret)
	var codes session.CodeSource = session.NewCallbackCodes(ctrader.GrantURL(cfg.CtraderClientID, cfg.CtraderRedirectURI), cfg.CtraderAuthTimeout, log)
	if cfg.CtraderAuthCode != "" {
		codes = session.StaticCode(cfg.CtraderAuthCode)
	}
	mgr := session.NewManager(session.Config{
		Endpoint: cfg.CtraderEndpoint(),
		Credentials: session.Credentials{
			ClientID:     cfg.CtraderClientID,
			ClientSecret: cfg.CtraderClientSecret,
			RedirectURI:  cfg.CtraderRedirectURI,
		},
		AccountID:        cfg.CtraderAccountID,
		SeedRefreshToken: cfg.CtraderRefreshToken,
		CommandInterval:  cfg.CommandInterval,
		CommandTimeout:   cfg.CommandTimeout,
		Retry:            session.RetryPolicy{Cooldown: cfg.CtraderAuthCooldown, MaxAttempts: 3},
	}, session.Deps{
		Dial: func(ctx context.Context, endpoint string) (session.Conn, error) {
			return ctrader.Dial(ctx, endpoint, log)
		},
		Acquirer:  &session.OAuthAcquirer{Codes: codes, Exchange: oauth},
		Store:     db.NewTokenStore(database, string(common.VenueCtrader), sealer),
		Refresher: oauth,
		Logger:    log,
	})
	defer mgr.Close()

	started := time.Now()
	if err := mgr.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Str("state", mgr.State().String()).Msg("bootstrap failed")
	}
	snap := mgr.Snapshot()
	log.Info().Int64("account", snap.AccountID).Int("symbols", snap.Symbols).
		Dur("elapsed", time.Since(started)).Msg("session ready")

	for _, sym := range flag.Args() {
		id, err := mgr.Resolve(sym)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("not resolvable")
			continue
		}
		log.Info().Str("symbol", sym).Int64("id", id).Msg("resolved")
	}

	log.Info().Msg("=== session check finished ===")
}
