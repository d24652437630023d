// Package main provides the unified payment engine process:
// - Chain observers (continuous): per-currency RPC/WebSocket feeds
// - Lifecycle engine: order state machine over the merged event stream
// - Dispatcher: durable signed webhook delivery
// - Optional transition feed (Kafka) and audit archive (ClickHouse)
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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"chainpay-engine/internal/dispatch"
	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/lifecycle"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/observability"
	"chainpay-engine/internal/observer"
	"chainpay-engine/internal/policy"
	"chainpay-engine/internal/storage"
	chstore "chainpay-engine/internal/storage/clickhouse"
	"chainpay-engine/internal/storage/memory"
	"chainpay-engine/internal/storage/migrations"
	pgstore "chainpay-engine/internal/storage/postgres"
	"chainpay-engine/internal/stream"
	"chainpay-engine/internal/wallet"
)

// engineServer holds the running components for the ops endpoints.
type engineServer struct {
	registry   *observer.Registry
	engine     *lifecycle.Engine
	dispatcher *dispatch.Dispatcher
	publisher  *stream.Publisher
	archiver   *stream.Archiver

	log     logging.Logger
	started time.Time
}

// engineStores holds the storage implementations behind the components.
type engineStores struct {
	roots         storage.WalletRootStore
	addresses     storage.DerivedAddressStore
	orders        storage.OrderStore
	chainEvents   storage.ChainEventStore
	transitions   storage.TransitionStore
	notifications storage.NotificationStore
	endpoints     storage.MerchantEndpointStore
	cursors       storage.CursorStore
	checkpoints   storage.StreamCheckpointStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	btcRPC := flag.String("btc-rpc-endpoint", os.Getenv("BTC_RPC_ENDPOINT"), "Bitcoin node JSON-RPC endpoint")
	ethRPC := flag.String("eth-rpc-endpoint", os.Getenv("ETH_RPC_ENDPOINT"), "Ethereum node JSON-RPC endpoint")
	solWS := flag.String("sol-ws-endpoint", os.Getenv("SOL_WS_ENDPOINT"), "Solana node WebSocket endpoint")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string for the transition archive (optional)")
	kafkaBrokers := flag.String("kafka-brokers", os.Getenv("KAFKA_BROKERS"), "Comma-separated Kafka brokers for the transition feed (optional)")
	kafkaTopic := flag.String("kafka-topic", "", "Kafka topic for the transition feed (default chainpay.order-transitions)")
	policyFile := flag.String("policy-file", os.Getenv("POLICY_FILE"), "YAML confirmation policy file (built-in defaults when empty)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	opsAddr := flag.String("ops-addr", ":9090", "Ops HTTP address (/health, /metrics, /status)")
	logLevel := flag.String("log-level", "info", "Log level (debug|info|warn|error)")

	flag.Parse()

	log := logging.NewZapLogger(*logLevel)

	// Validate required flags
	if *btcRPC == "" && *ethRPC == "" && *solWS == "" {
		fatal(log, "at least one chain endpoint is required (--btc-rpc-endpoint, --eth-rpc-endpoint or --sol-ws-endpoint)")
	}
	if !*useMemory && *postgresDSN == "" {
		fatal(log, "--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, *postgresDSN, *useMemory)
	if err != nil {
		fatal(log, "create stores", "error", err)
	}
	defer cleanup()

	pol := policy.Default()
	if *policyFile != "" {
		pol, err = policy.LoadFile(*policyFile)
		if err != nil {
			fatal(log, "load policy file", "error", err, "path", *policyFile)
		}
	}

	registry, err := buildRegistry(log, stores.cursors, *btcRPC, *ethRPC, *solWS)
	if err != nil {
		fatal(log, "build observer registry", "error", err)
	}

	wallets := wallet.NewService(wallet.Options{
		Roots:     stores.roots,
		Addresses: stores.addresses,
		Logger:    log.Named("wallet"),
	})

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Notifications: stores.notifications,
		Endpoints:     stores.endpoints,
		Logger:        log.Named("dispatch"),
	})

	engine := lifecycle.NewEngine(lifecycle.Options{
		Orders:      stores.orders,
		ChainEvents: stores.chainEvents,
		Transitions: stores.transitions,
		Wallet:      wallets,
		Policy:      pol,
		Watcher:     registry,
		Notifier:    dispatcher,
		Events:      registry.Events(),
		Logger:      log.Named("lifecycle"),
	})

	srv := &engineServer{
		registry:   registry,
		engine:     engine,
		dispatcher: dispatcher,
		log:        log,
		started:    time.Now(),
	}

	if *kafkaBrokers != "" {
		srv.publisher, err = stream.NewPublisher(stream.PublisherOptions{
			Transitions: stores.transitions,
			Checkpoints: stores.checkpoints,
			Brokers:     splitList(*kafkaBrokers),
			Topic:       *kafkaTopic,
			Logger:      log.Named("stream.kafka"),
		})
		if err != nil {
			fatal(log, "create kafka publisher", "error", err)
		}
	}

	if *clickhouseDSN != "" {
		chConn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
		if err != nil {
			fatal(log, "run clickhouse migrations", "error", err)
		}
		defer chConn.Close()
		srv.archiver = stream.NewArchiver(stream.ArchiverOptions{
			Transitions: stores.transitions,
			Archive:     chstore.NewTransitionArchiveStore(chConn),
			Checkpoints: stores.checkpoints,
			Logger:      log.Named("stream.archive"),
		})
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", map[string]any{"signal": sig.String()})
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			log.Warn("second signal received, forcing exit", map[string]any{"signal": sig.String()})
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timed out after 30s, forcing exit", nil)
			os.Exit(1)
		case <-done:
		}
	}()

	go srv.startOpsServer(*opsAddr)

	err = srv.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(log, "engine stopped", "error", err)
	}
	log.Info("shutdown complete", nil)
}

// Run starts every component and blocks until ctx ends or one fails hard.
func (s *engineServer) Run(ctx context.Context) error {
	s.log.Info("starting payment engine", nil)

	errCh := make(chan error, 5)

	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("observer registry", s.registry.Run)
	run("lifecycle engine", s.engine.Run)
	run("dispatcher", s.dispatcher.Run)
	if s.publisher != nil {
		run("kafka publisher", s.publisher.Run)
	}
	if s.archiver != nil {
		run("transition archiver", s.archiver.Run)
	}

	go s.sampleHealth(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// sampleHealth mirrors observer health into the metrics gauges and advances
// the uptime counter.
func (s *engineServer) sampleHealth(ctx context.Context) {
	const interval = 15 * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for currency, healthy := range s.registry.Health() {
				observability.SetObserverUp(currency, healthy)
			}
			observability.AddUptime(interval.Seconds())
		}
	}
}

// startOpsServer serves /health, /metrics, /status and the operator
// redelivery endpoint.
func (s *engineServer) startOpsServer(addr string) {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	r.Get("/status", s.handleStatus)
	r.Post("/notifications/{id}/redeliver", s.handleRedeliver)

	s.log.Info("ops server listening", map[string]any{"addr": addr})
	if err := http.ListenAndServe(addr, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("ops server failed", map[string]any{"error": err})
	}
}

// statusResponse is the JSON response for the /status endpoint.
type statusResponse struct {
	Status       string                    `json:"status"`
	Uptime       string                    `json:"uptime"`
	ActiveOrders int                       `json:"active_orders"`
	Heights      map[domain.Currency]int64 `json:"heights"`
	Observers    map[domain.Currency]bool  `json:"observers"`
}

func (s *engineServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()

	resp := statusResponse{
		Status:       "running",
		Uptime:       time.Since(s.started).String(),
		ActiveOrders: snap.ActiveOrders,
		Heights:      snap.Heights,
		Observers:    s.registry.Health(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *engineServer) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.dispatcher.Redeliver(r.Context(), id)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "requeued", "notification_id": id})
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "notification not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNotDead):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("redeliver failed", map[string]any{"notification_id": id, "error": err})
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// buildRegistry creates one observer per configured chain endpoint.
func buildRegistry(log *logging.ZapLogger, cursors storage.CursorStore, btcRPC, ethRPC, solWS string) (*observer.Registry, error) {
	var observers []observer.Observer

	if btcRPC != "" {
		observers = append(observers, observer.NewUTXOObserver(observer.UTXOObserverOptions{
			Client:   observer.NewRPCClient(btcRPC),
			Cursors:  cursors,
			Currency: domain.CurrencyBTC,
			Logger:   log.Named("observer.btc"),
		}))
	}
	if ethRPC != "" {
		observers = append(observers, observer.NewAccountObserver(observer.AccountObserverOptions{
			Client:   observer.NewRPCClient(ethRPC),
			Cursors:  cursors,
			Currency: domain.CurrencyETH,
			Logger:   log.Named("observer.eth"),
		}))
	}
	if solWS != "" {
		observers = append(observers, observer.NewWSObserver(observer.WSObserverOptions{
			URL:      solWS,
			Currency: domain.CurrencySOL,
			Logger:   log.Named("observer.sol"),
		}))
	}

	return observer.NewRegistry(log.Named("observer"), observers...)
}

// createStores creates all required stores.
func createStores(ctx context.Context, postgresDSN string, useMemory bool) (*engineStores, func(), error) {
	if useMemory {
		stores := &engineStores{
			roots:         memory.NewWalletRootStore(),
			addresses:     memory.NewDerivedAddressStore(),
			orders:        memory.NewOrderStore(),
			chainEvents:   memory.NewChainEventStore(),
			transitions:   memory.NewTransitionStore(),
			notifications: memory.NewNotificationStore(),
			endpoints:     memory.NewMerchantEndpointStore(),
			cursors:       memory.NewCursorStore(),
			checkpoints:   memory.NewStreamCheckpointStore(),
		}
		return stores, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	stores := &engineStores{
		roots:         pgstore.NewWalletRootStore(pool),
		addresses:     pgstore.NewDerivedAddressStore(pool),
		orders:        pgstore.NewOrderStore(pool),
		chainEvents:   pgstore.NewChainEventStore(pool),
		transitions:   pgstore.NewTransitionStore(pool),
		notifications: pgstore.NewNotificationStore(pool),
		endpoints:     pgstore.NewMerchantEndpointStore(pool),
		cursors:       pgstore.NewCursorStore(pool),
		checkpoints:   pgstore.NewStreamCheckpointStore(pool),
	}

	return stores, pool.Close, nil
}

// fatal logs and exits. Fields come in key/value pairs.
func fatal(log logging.Logger, msg string, kv ...any) {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	log.Error(msg, fields)
	os.Exit(1)
}

// splitList splits a comma-separated flag value.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
