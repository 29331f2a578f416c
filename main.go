package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skillswap/internal/app/config"
	"skillswap/internal/app/httpapi"
	"skillswap/internal/app/metrics"
	"skillswap/pkg/calls"
	"skillswap/pkg/presence"
	"skillswap/pkg/rooms"
	"skillswap/pkg/webrtc/ice"
	"skillswap/pkg/webrtc/protocol"
	"skillswap/pkg/webrtc/signaling"
)

const startupTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env", filepath.Join("backend", ".env"), "../.env")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	log.Logger = logger

	iceMode, iceServers := ice.Servers(cfg.ICE, logger)
	logConfig(logger, cfg, iceMode, iceServers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("open store")
	}
	defer st.close(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheusCollector(reg)

	hub := signaling.NewHub(rooms.NewRegistry(), st.calls, signaling.HubOptions{
		ICEServers:     iceServers,
		ICEMode:        iceMode,
		Logger:         &logger,
		Presence:       st.presence,
		Metrics:        collector,
		RingTimeout:    cfg.Signaling.RingTimeout,
		PersistTimeout: cfg.Signaling.PersistTimeout,
		SendBuffer:     cfg.Signaling.SendBuffer,
		ReadLimit:      cfg.Signaling.ReadLimit,
		RateLimit:      cfg.Signaling.RateLimit,
		RateBurst:      cfg.Signaling.RateBurst,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	go func() {
		if err := hub.Run(hubCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("hub stopped")
		}
	}()

	router := httpapi.NewRouter(httpapi.Options{
		Hub:      hub,
		Calls:    st.calls,
		Presence: st.presence,
		Settings: httpapi.Settings{
			ICEMode:     iceMode,
			ICEServers:  iceServers,
			PublicWSURL: cfg.HTTP.PublicWSURL,
			StaticDir:   cfg.HTTP.StaticDir,
		},
		Metrics:  collector.Handler(),
		Observer: collector,
		Logger:   &logger,
		Health:   st.health,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Address).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	// Stopping the hub closes every connection and drains pending call writes.
	stopHub()
	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("hub did not stop before the shutdown deadline")
	}
}

// stores bundles the backing services chosen by the configuration.
type stores struct {
	calls    calls.Store
	presence presence.Store
	health   func(ctx context.Context) error
	closers  []func() error
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	switch cfg.Store.Backend {
	case config.BackendMemory:
		return &stores{calls: calls.NewMemoryStore(), presence: presence.NewMemoryStore()}, nil

	case config.BackendPostgres:
		pg, err := calls.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return &stores{
			calls:    pg,
			presence: presence.NewMemoryStore(),
			health:   pg.Ping,
			closers:  []func() error{pg.Close},
		}, nil

	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		online := presence.NewRedisStore(rdb, cfg.Redis.Prefix)
		if err := online.Reset(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis reset presence")
		}
		return &stores{
			calls:    calls.NewRedisStore(rdb, cfg.Redis.Prefix),
			presence: online,
			health:   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			closers:  []func() error{rdb.Close},
		}, nil
	}
}

func (s *stores) close(logger zerolog.Logger) {
	for _, c := range s.closers {
		if err := c(); err != nil {
			logger.Warn().Err(err).Msg("close store")
		}
	}
}

func logConfig(logger zerolog.Logger, cfg *config.Config, iceMode string, servers []protocol.ICEServer) {
	turnConfigured := false
	for _, s := range servers {
		if s.Username != "" || s.Credential != "" {
			turnConfigured = true
			break
		}
	}

	logger.Info().
		Str("addr", cfg.HTTP.Address).
		Str("store", cfg.Store.Backend).
		Str("static_dir", cfg.HTTP.StaticDir).
		Str("ice_mode", iceMode).
		Int("ice_servers", len(servers)).
		Bool("turn_configured", turnConfigured).
		Dur("ring_timeout", cfg.Signaling.RingTimeout).
		Msg("config")
}
