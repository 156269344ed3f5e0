// gateway — the Moat execution gateway.
// Every agent capability invocation passes through here: default-deny
// policy, idempotency, adapter dispatch, receipts, trust scoring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremylongshore/moat/internal/adapter"
	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/execute"
	"github.com/jeremylongshore/moat/internal/idempotency"
	"github.com/jeremylongshore/moat/internal/outcome"
	"github.com/jeremylongshore/moat/internal/platform/config"
	"github.com/jeremylongshore/moat/internal/platform/httpserver"
	"github.com/jeremylongshore/moat/internal/platform/logger"
	"github.com/jeremylongshore/moat/internal/platform/metrics"
	"github.com/jeremylongshore/moat/internal/platform/middleware"
	"github.com/jeremylongshore/moat/internal/platform/postgres"
	platformredis "github.com/jeremylongshore/moat/internal/platform/redis"
	"github.com/jeremylongshore/moat/internal/policy"
	"github.com/jeremylongshore/moat/internal/publisher"
	"github.com/jeremylongshore/moat/internal/receipt"
	"github.com/jeremylongshore/moat/internal/trust"
	"github.com/jeremylongshore/moat/internal/vault"
	httptransport "github.com/jeremylongshore/moat/internal/transport/http"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Moat policy-enforced execution gateway",
	}
	root.AddCommand(serveCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution gateway",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file (env vars override)")
	return cmd
}

// serve wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal packages.
func serve(cfg config.Config) error {
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: Postgres and Redis when configured, in-memory otherwise so a
	// bare binary still runs end to end for development.
	db, err := postgres.Open(cfg.PostgresURL)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var (
		decisions  policy.DecisionStore  = policy.NewMemoryDecisionStore()
		receipts   receipt.Store         = receipt.NewMemoryStore()
		eventStore trust.EventStore      = trust.NewMemoryEventStore()
		statsStore trust.StatsStore      = trust.NewMemoryStatsStore()
		counters   policy.Counters       = policy.NewMemoryCounters()
		idemStore  idempotency.Store
	)
	if db != nil {
		decisions = policy.NewPostgresDecisionStore(db)
		receipts = receipt.NewPostgresStore(db)
		eventStore = trust.NewPostgresEventStore(db)
		statsStore = trust.NewPostgresStatsStore(db)
	}
	if redisClient != nil {
		counters = policy.NewRedisCounters(redisClient.Client)
		idemStore = idempotency.NewRedisStore(redisClient.Client)
	} else {
		memStore := idempotency.NewMemoryStore()
		go memStore.RunSweeper(ctx, cfg.IdempotencySweepInterval)
		idemStore = memStore
	}

	// External collaborators behind their ports. The in-process registry
	// and bundle store serve development; production points RegistryURL at
	// the control plane.
	var registry capability.Registry = capability.NewMemoryRegistry()
	if cfg.RegistryURL != "" {
		registry = capability.NewHTTPRegistry(cfg.RegistryURL)
	}
	cache := capability.NewCache(registry, cfg.CapabilityCacheTTL, cfg.CapabilityCacheNegTTL)
	bundles := policy.NewMemoryBundleStore()
	connections := vault.NewMemoryConnections()

	// Outcome delivery: Kafka when brokers are configured, otherwise the
	// scorer reads the event store the emitter writes.
	var pub outcome.Publisher = trust.NewStorePublisher(eventStore)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub, err := outcome.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer kafkaPub.Close()
		pub = kafkaPub

		consumer, err := trust.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, "moat-trust-scorer", eventStore, log)
		if err != nil {
			return err
		}
		go consumer.Run(ctx)
	}
	emitter := outcome.NewEmitter(pub, 1024, log, m)
	go emitter.Run(ctx)

	adapters := adapter.NewRegistry(log)
	adapters.Register(adapter.NewStub())
	adapters.Register(adapter.NewSlack(cfg.OutputSizeLimitBytes))
	adapters.Register(adapter.NewHTTPProxy("http", cfg.OutputSizeLimitBytes))

	// On-chain receipt publishing is best-effort; the Noop publisher holds
	// the slot until a chain client is connected.
	receiptHook := publisher.NewHook(publisher.Noop{}, 256, log, m)
	go receiptHook.Run(ctx)

	pipeline := execute.New(
		cache, bundles, decisions, counters, idemStore, receipts,
		adapters, connections, vault.EnvResolver{}, emitter,
		execute.Config{
			AdapterTimeout:        cfg.AdapterDefaultTimeout,
			IdempotencyTTLSuccess: cfg.IdempotencyTTLSuccess,
			IdempotencyTTLFailure: cfg.IdempotencyTTLFailure,
		},
		log, m,
		execute.WithReceiptHook(receiptHook),
	)

	scorer := trust.NewScorer(eventStore, statsStore, cfg.ScorerWindow, cfg.ScorerMinVolume, log)
	advisor := trust.NewAdvisor(statsStore, registry, registry.(trust.RoutingUpdater), trust.AdvisorConfig{
		HideSuccessThreshold:      cfg.HideSuccessThreshold,
		HideSustained:             cfg.HideSustained,
		SyntheticFailureAge:       2 * time.Hour,
		ThrottleP95MS:             float64(cfg.ThrottleP95.Milliseconds()),
		PreferredSuccessThreshold: cfg.PreferredSuccessThreshold,
		PreferredP95MS:            float64(cfg.PreferredP95.Milliseconds()),
	}, log, m, trust.WithTransitionHook(func(key trust.CapabilityKey, _, _ capability.RoutingStatus) {
		cache.Invalidate(key.CapabilityID)
	}))
	go trust.NewRunner(scorer, advisor, cfg.ScorerInterval, log, m).Run(ctx)

	validator := middleware.NewHMACValidator(cfg.JWTSigningKey)
	handler := httptransport.NewHandler(pipeline, statsStore, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler, validator, log))

	log.Info("starting moat gateway", "addr", cfg.Addr, "version", version)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
