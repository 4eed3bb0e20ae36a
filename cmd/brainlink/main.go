package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brainlink/redirect-service/internal/breaker"
	"brainlink/redirect-service/internal/config"
	"brainlink/redirect-service/internal/httputil"
	"brainlink/redirect-service/internal/metrics"
	"brainlink/redirect-service/internal/rate"
	"brainlink/redirect-service/internal/registry"
	"brainlink/redirect-service/internal/relay"
	"brainlink/redirect-service/internal/replay"
	"brainlink/redirect-service/internal/stage"
	"brainlink/redirect-service/internal/token"
	"brainlink/redirect-service/internal/track"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides BRAINLINK_CONFIG env var)")
	flag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("BRAINLINK_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("listen", cfg.Server.Listen).
		Str("log_level", cfg.Logging.Level).
		Msg("server configuration")
	log.Info().
		Int("genesis_ttl_sec", cfg.Relay.GenesisTTLSec).
		Int("transit_ttl_sec", cfg.Relay.TransitTTLSec).
		Int("routing_ttl_sec", cfg.Relay.RoutingTTLSec).
		Float64("ip_rps_limit", cfg.Relay.IPRPSLimit).
		Msg("relay configuration")
	log.Info().
		Str("replay_backend", cfg.Replay.Backend).
		Str("tracking_backend", cfg.Tracking.Backend).
		Str("registry_path", cfg.Registry.Path).
		Msg("storage configuration")

	var closers []io.Closer

	// Replay guard. The sqlite backend gets a local in-memory guard in
	// front so single-use holds even through a primary outage.
	var guard replay.Guard
	switch cfg.Replay.Backend {
	case "sqlite":
		s, err := replay.OpenSQLite(cfg.Replay.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open replay store")
		}
		closers = append(closers, s)
		guard = replay.NewFallback(s, log.Logger)
	default:
		guard = replay.NewMemoryWithCapacity(cfg.Replay.Capacity)
	}

	gKey, tKey, rKey, err := cfg.StageKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to decode stage keys")
	}
	codec, err := token.NewCodec(map[token.StageKey][]byte{
		token.GenesisKey: gKey,
		token.TransitKey: tKey,
		token.RoutingKey: rKey,
	}, guard)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build token codec")
	}

	reg, err := registry.OpenSQLite(cfg.Registry.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open link registry")
	}
	closers = append(closers, reg)

	var tracker track.Sink
	switch cfg.Tracking.Backend {
	case "sqlite":
		ts, err := track.OpenSQLite(cfg.Tracking.Path, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open tracking store")
		}
		closers = append(closers, ts)
		tracker = ts
	default:
		tracker = &track.Log{Logger: log.Logger}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	sink := metrics.NewProm(promReg)

	registryBreaker := breaker.New("registry", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.BreakerTimeout(),
	}, log.Logger)

	salt := cfg.Relay.FingerprintSalt
	handler := relay.NewHandler(relay.Handler{
		Registry: reg,
		Breaker:  registryBreaker,
		Genesis:  &stage.Genesis{Codec: codec, Salt: salt, TTL: cfg.GenesisTTL()},
		Validation: &stage.Validation{
			Codec:   codec,
			Salt:    salt,
			Metrics: sink,
			TTL:     cfg.TransitTTL(),
		},
		Routing: &stage.Routing{
			Codec:        codec,
			Destinations: &relay.GuardedResolver{Registry: reg, Breaker: registryBreaker},
			TTL:          cfg.RoutingTTL(),
		},
		Final:      &stage.Final{Codec: codec},
		IPRPS:      rate.NewSlidingRPS(10),
		IPRPSLimit: cfg.Relay.IPRPSLimit,
		Metrics:    sink,
		Tracker:    tracker,
		Log:        log.Logger,
	})

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	root := withCommonHeaders(
		httputil.RequestIDMiddleware(log.Logger, cfg.Relay.ProxyNets)(mux))

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("redirect relay listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		// Stores close after the server so in-flight requests finish first.
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("store close error")
			}
		}
		log.Info().Msg("shutdown complete")
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Redirect hops must never be cached or framed.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
