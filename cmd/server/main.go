// Package main runs the custody service:
// - Gateway (HTTP): chat events in, replies and notifications out
// - Schedulers (continuous): DCA and limit/alert workers
// - Observability: /health, /metrics, /status
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/attempts"
	"solana-custody/internal/balance"
	"solana-custody/internal/config"
	"solana-custody/internal/custody"
	"solana-custody/internal/envelope"
	"solana-custody/internal/export"
	"solana-custody/internal/gateway"
	"solana-custody/internal/jupiter"
	"solana-custody/internal/lock"
	"solana-custody/internal/market"
	"solana-custody/internal/observability"
	"solana-custody/internal/orders"
	"solana-custody/internal/scheduler"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage"
	chstore "solana-custody/internal/storage/clickhouse"
	"solana-custody/internal/storage/memory"
	"solana-custody/internal/storage/migrations"
	pgstore "solana-custody/internal/storage/postgres"
	redisstore "solana-custody/internal/storage/redis"
	"solana-custody/internal/totp"
	"solana-custody/internal/trade"
	"solana-custody/internal/withdraw"
)

// Server holds all components of the service.
type Server struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *observability.Metrics
	stores  *allStores

	gateway *gateway.Handler
	dca     *scheduler.DCAWorker
	limit   *scheduler.LimitWorker

	mu      sync.Mutex
	started time.Time
	workers map[string]bool
}

// allStores holds the storage backends.
type allStores struct {
	kv           storage.KV
	archive      storage.TradeArchive
	observations storage.PriceObservationStore
	backend      string
}

func main() {
	configPath := flag.String("config", "", "Optional YAML config file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of Redis, PostgreSQL and ClickHouse")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(cfg.LogLevel)
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	ctx, cancel := context.WithCancel(context.Background())

	stores, cleanup, err := createStores(ctx, cfg, *useMemory, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create stores")
	}
	defer cleanup()

	server, closeServices, err := newServer(ctx, cfg, stores, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create services")
	}
	defer closeServices()

	// Channel to signal completion
	done := make(chan error, 1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("server error")
	}
	log.Info("shutdown complete")
}

// createStores connects the shared store and the archives. Without a DSN
// an archive falls back to memory.
func createStores(ctx context.Context, cfg *config.Config, useMemory bool, log logrus.FieldLogger) (*allStores, func(), error) {
	if useMemory {
		log.Warn("using in-memory storage; state is lost on restart and not shared between instances")
		return &allStores{
			kv:           memory.NewKV(),
			archive:      memory.NewTradeArchive(),
			observations: memory.NewPriceObservationStore(),
			backend:      "memory",
		}, func() {}, nil
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	client, err := redisstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	closers = append(closers, func() { _ = client.Close() })
	stores := &allStores{kv: redisstore.NewKV(client), backend: "redis"}

	if cfg.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		stores.archive = pgstore.NewTradeArchive(pool)
	} else {
		log.Warn("POSTGRES_DSN not set; trade archive kept in memory")
		stores.archive = memory.NewTradeArchive()
	}

	if cfg.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		stores.observations = chstore.NewPriceObservationStore(conn)
	} else {
		log.Warn("CLICKHOUSE_DSN not set; price observations kept in memory")
		stores.observations = memory.NewPriceObservationStore()
	}

	return stores, cleanup, nil
}

// newServer wires every component.
func newServer(ctx context.Context, cfg *config.Config, stores *allStores, log *logrus.Logger) (*Server, func(), error) {
	cipher, err := envelope.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	metrics := observability.NewMetrics("custody")
	kv := stores.kv

	locker := lock.New(kv, log, metrics)
	vault := custody.New(kv, cipher, log)
	authority := totp.New(kv, cipher, attempts.NewLimiter(kv, "totp", attempts.DefaultPolicy, metrics), cfg.TOTPIssuer, log)
	exports := export.New(kv, vault, authority, locker, export.Config{Policy: attempts.DefaultPolicy}, log, metrics)

	rpc := solana.NewHTTPClient(cfg.SolanaRPCURL, solana.WithMetrics(metrics))
	closeWS := func() {}
	var ws solana.WSClient
	if cfg.SolanaWSURL != "" {
		client, err := solana.NewWSClient(ctx, cfg.SolanaWSURL, nil, log)
		if err != nil {
			log.WithError(err).Warn("websocket unavailable; confirming by polling only")
		} else {
			ws = client
			closeWS = func() { _ = client.Close() }
		}
	}

	balances := balance.New(rpc, kv, balance.DefaultTTL, log)
	confirmer := solana.NewConfirmer(rpc, ws, log)
	tradeCfg := trade.DefaultConfig()
	tradeCfg.LockTTL = cfg.TradeLockTTL
	ledger := trade.New(trade.Deps{
		KV:        kv,
		Locker:    locker,
		Wallets:   vault,
		Balances:  balances,
		Router:    jupiter.New(cfg.JupiterAPIBase, log, metrics),
		RPC:       rpc,
		Confirmer: confirmer,
		Archive:   stores.archive,
		Metrics:   metrics,
	}, tradeCfg, log)
	withdrawals := withdraw.New(withdraw.Deps{
		KV:        kv,
		Locker:    locker,
		Wallets:   vault,
		Auth:      authority,
		Balances:  balances,
		RPC:       rpc,
		Confirmer: confirmer,
		Metrics:   metrics,
	}, withdraw.Config{LockTTL: cfg.TradeLockTTL}, log)

	orderStore := orders.New(kv, log)
	outbox := gateway.NewOutbox(kv, log)
	prices := market.NewRecorder(market.NewDexScreener(cfg.DexScreenerAPIBase, log, metrics), stores.observations, log)

	handler := gateway.New(gateway.Deps{
		Wallets:     vault,
		Exports:     exports,
		Ledger:      ledger,
		Orders:      orderStore,
		Balances:    balances,
		Withdrawals: withdrawals,
		Limiter:     attempts.NewRateLimiter(kv, nil),
		Outbox:      outbox,
	}, gateway.Config{SlippageBps: cfg.DefaultSlippageBps}, log)

	limitCfg := scheduler.LimitConfig{
		Interval:        cfg.LimitInterval,
		MinLiquidityUSD: cfg.LimitMinLiquidityUSD,
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		stores:  stores,
		gateway: handler,
		dca:     scheduler.NewDCAWorker(orderStore, ledger, locker, cfg.DCAInterval, log, metrics),
		limit:   scheduler.NewLimitWorker(orderStore, ledger, locker, prices, outbox, limitCfg, log, metrics),
		workers: make(map[string]bool),
	}
	return s, closeWS, nil
}

// Run starts the HTTP server and both schedulers and blocks until ctx ends
// or a component fails.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"storage": s.stores.backend, "addr": s.cfg.HTTPAddr}).Info("starting custody service")

	errCh := make(chan error, 3)

	go func() {
		if err := s.runHTTPServer(ctx); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	s.startWorker(ctx, "dca", s.dca.Run, errCh)
	s.startWorker(ctx, "limit", s.limit.Run, errCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) startWorker(ctx context.Context, name string, run func(context.Context) error, errCh chan<- error) {
	s.setWorker(name, true)
	go func() {
		defer s.setWorker(name, false)
		err := run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%s worker: %w", name, err)
		}
	}()
}

func (s *Server) setWorker(name string, running bool) {
	s.mu.Lock()
	s.workers[name] = running
	s.mu.Unlock()
}

// runHTTPServer serves health, metrics, status and the gateway API.
func (s *Server) runHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/v1/", s.gateway.Routes(s.cfg.GatewayToken, s.metrics))

	if s.cfg.GatewayToken == "" {
		s.log.Warn("GATEWAY_TOKEN not set; gateway API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status  string          `json:"status"`
	Uptime  string          `json:"uptime"`
	Started time.Time       `json:"started"`
	Storage string          `json:"storage"`
	Workers map[string]bool `json:"workers"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	workers := make(map[string]bool, len(s.workers))
	for k, v := range s.workers {
		workers[k] = v
	}
	resp := StatusResponse{
		Status:  "running",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Started: s.started,
		Storage: s.stores.backend,
		Workers: workers,
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
