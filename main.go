package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-core/internal/api"
	"arbitrage-core/internal/arbitrage"
	"arbitrage-core/internal/events"
	"arbitrage-core/internal/health"
	"arbitrage-core/internal/monitor"
	"arbitrage-core/internal/persistence"
	"arbitrage-core/internal/session"
	"arbitrage-core/internal/venue"
	"arbitrage-core/pkg/config"
	"arbitrage-core/pkg/crypto"
	"arbitrage-core/pkg/db"
	"arbitrage-core/pkg/exchanges/alor"
	"arbitrage-core/pkg/exchanges/common"
	"arbitrage-core/pkg/exchanges/ctrader"
	"arbitrage-core/pkg/instance"
	"arbitrage-core/pkg/logger"
)

const appName = "arbitrage-core"

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New("info")
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	instanceID := instance.ID(appName)
	log = log.With().Str("instance", instanceID).Logger()
	log.Info().Str("port", cfg.Port).Str("ctrader", cfg.CtraderEndpoint()).Msg("starting")

	pairs, err := config.LoadPairs(cfg.PairsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load pairs")
	}
	log.Info().Int("pairs", len(pairs)).Msg("instrument pairs loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}
	store := db.NewTokenStore(database, string(common.VenueCtrader), tokenSealer(cfg, log))

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	(&monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: log}}).Start(ctx)

	// Venue A
	alorClient, err := alor.NewClient(alor.Config{
		APIURL:       cfg.AlorAPIURL,
		OAuthURL:     cfg.AlorOAuthURL,
		RefreshToken: cfg.AlorRefreshToken,
		Portfolio:    cfg.AlorPortfolio,
		Exchange:     cfg.AlorExchange,
		OrderMode:    cfg.AlorOrderMode,
		SlippageBps:  cfg.AlorSlippageBps,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("alor client")
	}
	alorVenue := venue.NewAlor(alorClient)

	// Venue B
	oauth := ctrader.NewOAuthClient(cfg.CtraderOAuthURL, cfg.CtraderClientID, cfg.CtraderClientSecret)
	callback := session.NewCallbackCodes(ctrader.GrantURL(cfg.CtraderClientID, cfg.CtraderRedirectURI), cfg.CtraderAuthTimeout, log)
	var codes session.CodeSource = callback
	if cfg.CtraderAuthCode != "" {
		codes = &session.SeededCodes{Seed: cfg.CtraderAuthCode, Next: callback}
	}
	mgr := session.NewManager(session.Config{
		Endpoint: cfg.CtraderEndpoint(),
		Credentials: session.Credentials{
			ClientID:     cfg.CtraderClientID,
			ClientSecret: cfg.CtraderClientSecret,
			RedirectURI:  cfg.CtraderRedirectURI,
		},
		AccountID:         cfg.CtraderAccountID,
		SeedRefreshToken:  cfg.CtraderRefreshToken,
		CommandInterval:   cfg.CommandInterval,
		CommandTimeout:    cfg.CommandTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Retry: session.RetryPolicy{
			Cooldown:    cfg.CtraderAuthCooldown,
			MaxAttempts: cfg.CtraderAuthAttempts,
		},
		AutoReconnect: cfg.AutoReconnect,
		Reconnect:     session.DefaultBackoff(),
	}, session.Deps{
		Dial: func(ctx context.Context, endpoint string) (session.Conn, error) {
			return ctrader.Dial(ctx, endpoint, log)
		},
		Acquirer:  &session.OAuthAcquirer{Codes: codes, Exchange: oauth},
		Store:     store,
		Refresher: oauth,
		Observer:  monitor.SessionObserver{Metrics: metrics, Bus: bus},
		Channel:   metrics,
		Logger:    log,
	})
	ctraderVenueAdapter := venue.NewCtrader(mgr, log)

	synchronizer := arbitrage.NewSynchronizer(alorVenue, ctraderVenueAdapter, arbitrage.Options{
		Logger:  log,
		Bus:     bus,
		Metrics: metrics,
	})
	auditor := arbitrage.NewAuditor(synchronizer, alorVenue, ctraderVenueAdapter, pairs, cfg.AuditInterval, bus, log)
	auditor.Start(ctx, func() bool { return mgr.State().Ready() })

	writer := persistence.NewBatchWriter(database.DB, 50, time.Second, log)
	recorded := (&persistence.Recorder{Bus: bus, Writer: writer, Log: log}).Start(ctx)

	hs := health.NewServer(log)
	hs.Follow(ctx, bus)
	if err := hs.ListenAndServe(cfg.HealthAddr); err != nil {
		log.Error().Err(err).Msg("grpc health disabled")
	}

	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("session supervisor stopped")
		}
	}()

	server := api.NewServer(api.Options{
		Signals:          synchronizer,
		Session:          mgr,
		Alor:             alorVenue,
		Ctrader:          ctraderVenueAdapter,
		Codes:            callback,
		Auditor:          auditor,
		Bus:              bus,
		Metrics:          metrics,
		Pairs:            pairs,
		Instance:         instanceID,
		WebhookSecret:    cfg.WebhookSecret,
		WebhookRateLimit: cfg.WebhookRateLimit,
		WebhookBurst:     cfg.WebhookBurst,
		JWTSecret:        cfg.JWTSecret,
		OperatorUser:     cfg.OperatorUser,
		OperatorPassHash: cfg.OperatorPassHash,
		Logger:           log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	hs.Stop()
	mgr.Close()
	<-sessionDone
	<-recorded
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("alert flush on shutdown")
	}
	log.Info().Msg("stopped")
}

// tokenSealer returns nil when no key is configured, leaving stored tokens in plaintext.
func tokenSealer(cfg *config.Config, log zerolog.Logger) *crypto.Sealer {
	if cfg.TokenEncryptionKey == "" {
		log.Warn().Msg("TOKEN_ENCRYPTION_KEY not set, cTrader tokens are stored unencrypted")
		return nil
	}
	key, err := crypto.ParseKey(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("parse token encryption key")
	}
	sealer, err := crypto.NewSealer(key, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("token sealer")
	}
	return sealer
}
