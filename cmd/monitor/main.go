package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/channel"
	"github.com/cribcall/monitor-server-go/internal/config"
	"github.com/cribcall/monitor-server-go/internal/control"
	"github.com/cribcall/monitor-server-go/internal/handler"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/jobs"
	"github.com/cribcall/monitor-server-go/internal/middleware"
	"github.com/cribcall/monitor-server-go/internal/pairing"
	"github.com/cribcall/monitor-server-go/internal/settings"
	"github.com/cribcall/monitor-server-go/internal/subscription"
	"github.com/cribcall/monitor-server-go/internal/transport"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	id, err := identity.Generate(deviceID, cfg.DeviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate identity")
	}
	log.Info().
		Str("deviceId", id.DeviceID).
		Str("fingerprint", id.Fingerprint).
		Msg("monitor identity ready")

	trustStore := trust.NewStore()
	settingsStore := settings.NewStore(settings.Snapshot{
		MonitorName:     cfg.DeviceName,
		NoiseThreshold:  cfg.NoiseThreshold,
		CooldownSeconds: cfg.CooldownSeconds,
	})
	subs := subscription.NewRegistry()
	channels := channel.NewRegistry()
	engine := pairing.NewEngine(id, trustStore)
	pushSender := subscription.NewWebhookSender(config.ConnectTimeout)
	broadcaster := subscription.NewBroadcaster(subs, channels, pushSender, trustStore, settingsStore)
	dispatcher := control.NewDispatcher(engine, trustStore, subs, settingsStore, control.Hooks{})

	var backend transport.Backend
	switch cfg.Transport {
	case "quic":
		backend = transport.NewQUICBackend()
	default:
		backend = transport.WebSocketBackend{}
	}

	ctrl := transport.NewServer(backend, cfg.ControlAddr(), id, trustStore, cfg.MaxFrameBytes)

	trustStore.OnChange(func(change trust.Change) {
		if err := ctrl.HandleTrustChange(change); err != nil {
			log.Error().Err(err).Msg("listener rebind after trust change failed")
		}
		if change.Kind == trust.PeerRemoved {
			channels.DisposePeer(change.Peer.Fingerprint)
			subs.RemoveByFingerprint(change.Peer.Fingerprint)
		}
	})

	if err := ctrl.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start control listener")
	}
	defer ctrl.Close()

	go acceptChannels(ctrl, channels, dispatcher)

	fingerprintMiddleware := middleware.NewFingerprintMiddleware(trustStore)
	pairRateLimit := middleware.NewIPRateLimitMiddleware(config.PairRateLimit, config.PairRateLimitWindow)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)

	pairingHandler := handler.NewPairingHandler(engine)
	noiseHandler := handler.NewNoiseHandler(subs, broadcaster)
	localHandler := handler.NewLocalHandler(engine, trustStore)
	healthHandler := handler.NewHealthHandler(id, channels, cfg.Transport)

	r := chi.NewRouter()

	// no RealIP here: the loopback-only routes trust the socket address
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimit.Handler)
	r.Use(fingerprintMiddleware.Handler)

	r.Get("/health", healthHandler.Health)

	r.Route("/pair", func(r chi.Router) {
		r.Use(pairRateLimit.Handler)
		r.Mount("/", pairingHandler.Routes())
	})

	// the device's own UI drives pairing decisions, QR tokens and unpair
	r.Route("/local", func(r chi.Router) {
		r.Use(middleware.RequireLoopback)
		r.Mount("/", localHandler.Routes())
	})

	r.Route("/noise", func(r chi.Router) {
		// the local capture process, not a peer; no client cert involved
		r.Post("/report", noiseHandler.Report)

		r.Group(func(r chi.Router) {
			r.Use(fingerprintMiddleware.RequireTrusted)
			r.Mount("/", noiseHandler.Routes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(config.CleanupJobInterval, map[string]jobs.Cleaner{
		"pairing sessions": engine.DeleteExpired,
	})
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		IdleTimeout: config.ServerIdleTimeout,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{id.TLSCertificate()},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting pairing server")
		if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("monitor stopped")
}

// acceptChannels turns accepted transport connections into running control
// channels wired to the dispatcher.
func acceptChannels(ctrl *transport.Server, channels *channel.Registry, dispatcher *control.Dispatcher) {
	for conn := range ctrl.Connections() {
		ch := channel.New(conn, dispatcher.Handle)
		channels.Register(ch)
		go watchStates(ch, channels)
		ch.Start()
	}
}

func watchStates(ch *channel.Channel, channels *channel.Registry) {
	for state := range ch.States() {
		if state.Terminal() {
			channels.Unregister(ch)
			if state.Failure != nil {
				log.Warn().
					Str("connectionId", state.ConnectionID).
					Str("kind", string(state.Failure.Kind)).
					Str("message", state.Failure.Message).
					Msg("channel failed")
			}
			return
		}
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
