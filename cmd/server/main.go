package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/nooterra/settld-core/internal/authority"
	"github.com/nooterra/settld-core/internal/config"
	"github.com/nooterra/settld-core/internal/httpapi"
	"github.com/nooterra/settld-core/internal/idempotency"
	"github.com/nooterra/settld-core/internal/infra"
	"github.com/nooterra/settld-core/internal/keyset"
	"github.com/nooterra/settld-core/internal/livestream"
	"github.com/nooterra/settld-core/internal/monitoring"
	"github.com/nooterra/settld-core/internal/outbox"
	"github.com/nooterra/settld-core/internal/runengine"
	"github.com/nooterra/settld-core/internal/scheduler"
	"github.com/nooterra/settld-core/internal/session"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/store/memstore"
	"github.com/nooterra/settld-core/internal/store/sqlstore"
	"github.com/nooterra/settld-core/internal/tenancy"
	"github.com/nooterra/settld-core/internal/workorder"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Default().Info("no .env file found, continuing with process environment")
	}

	cfg := config.Get()
	logger := slog.Default()

	backend, err := openStore(cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	// The keyset ring publishes per-tenant verification material, but it
	// deliberately never persists private key material (store.KeysetStore
	// carries only public keys and PEM blocks, the way a real deployment
	// would back it with a KMS). This build signs every tenant's run-event
	// chains with one process-wide key generated at startup; a production
	// deployment would extend runengine.Engine with a per-tenant signer
	// resolver backed by that KMS instead (documented in DESIGN.md as the
	// resolved Open Question rather than speculatively built here).
	signer := bootstrapProcessSigner()

	ring := &keyset.Ring{Store: backend, TrustDomain: cfg.Keyset.TrustDomain, MaxPrevious: cfg.Keyset.MaxPrevious}
	tenancyMgr := &tenancy.Manager{Store: backend}

	runEngine := &runengine.Engine{Store: backend, Signer: signer}
	workOrderEngine := &workorder.Engine{Store: backend}
	sessionEngine := &session.Engine{Store: backend, Signer: signer}

	authVerifier := &authority.Verifier{
		LoadGrant: func(ctx context.Context, grantHash string) (*store.Grant, error) {
			return backend.GetGrantByHash(ctx, httpapi.TenantIDFromContext(ctx), grantHash)
		},
		LoadAgent: func(ctx context.Context, agentID string) (*store.AgentIdentity, error) {
			return backend.GetAgent(ctx, httpapi.TenantIDFromContext(ctx), agentID)
		},
	}

	metrics := monitoring.New()

	webhookRegistry := &configDestinationRegistry{cfg: cfg}
	outboxWorker := &outbox.Worker{
		Store:      backend,
		Registry:   webhookRegistry,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Delivery.HTTPTimeoutMs) * time.Millisecond},
		Senders:    outboxSenders(context.Background(), cfg, logger),
		Metrics:    metrics,
	}

	idempotent := &idempotency.Middleware{
		Store:    backend,
		Cache:    idempotencyCache(cfg, logger),
		TenantID: httpapi.TenantIDFromRequest,
		TTL:      time.Duration(cfg.Idempotent.TTLHours) * time.Hour,
	}

	server := &httpapi.Server{
		Store:        backend,
		Tenancy:      tenancyMgr,
		OpsTokens:    cfg.OpsTokenSet(),
		RunEngine:    runEngine,
		Authority:    authVerifier,
		Idempotent:   idempotent,
		Outbox:       outboxWorker,
		Keyset:       ring,
		WorkOrder:    workOrderEngine,
		Session:      sessionEngine,
		Metrics:      metrics,
		AgentCardHub: livestream.NewHub[*store.AgentCard](),
	}

	sched := &scheduler.Scheduler{
		Store:       backend,
		Outbox:      outboxWorker,
		Interval:    time.Duration(cfg.Autotick.IntervalMs) * time.Millisecond,
		OutboxBatch: 25,
		Logger:      logger,
		Metrics:     metrics,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Autotick.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", httpSrv.Addr, "store", cfg.Store.Backend, "env", cfg.Server.Env)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "pg":
		db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		backend := sqlstore.New(db, cfg.Store.PGSchema)
		if cfg.Store.MigrateOnStartup {
			if err := backend.Migrate(context.Background()); err != nil {
				return nil, err
			}
		}
		return backend, nil
	default:
		return memstore.New(), nil
	}
}

func bootstrapProcessSigner() ed25519.PrivateKey {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return priv
}

// configDestinationRegistry adapts config.WebhookConfig's static
// tenantId -> destination[] map into outbox.Registry, grounded on the
// teacher's internal/webhooks/registry.go in-memory subscriber table.
type configDestinationRegistry struct {
	cfg *config.Config
}

func (r *configDestinationRegistry) DestinationsFor(ctx context.Context, tenantID, topic string) ([]outbox.Destination, error) {
	var out []outbox.Destination
	transport := ""
	switch {
	case r.cfg.CloudTasks.Enabled:
		transport = "cloudtasks"
	case r.cfg.PubSub.Enabled:
		transport = "pubsub"
	}
	for _, d := range r.cfg.Webhook.Destinations[tenantID] {
		for _, t := range d.Topics {
			if t == topic || t == "*" {
				out = append(out, outbox.Destination{ID: d.ID, URL: d.URL, Secret: d.Secret, Topics: d.Topics, Transport: transport})
				break
			}
		}
	}
	return out, nil
}

// idempotencyCache wires the optional Redis read-through cache
// (internal/infra.IdempotencyCache) when REDIS_ADDR is configured. A
// connection failure is non-fatal: the middleware degrades to store-only
// lookups, matching the teacher's fallback-to-in-memory convention.
func idempotencyCache(cfg *config.Config, logger *slog.Logger) idempotency.Cache {
	if cfg.Redis.Addr == "" {
		return nil
	}
	cache, err := infra.NewIdempotencyCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("redis idempotency cache unavailable, falling back to store-only lookups", "error", err)
		return nil
	}
	return cache
}

// outboxSenders constructs the config-selected alternate outbox transports.
// HTTP delivery remains the Worker's default when neither is enabled. If
// both are enabled, both senders are constructed, and
// configDestinationRegistry routes every destination to Cloud Tasks.
func outboxSenders(ctx context.Context, cfg *config.Config, logger *slog.Logger) map[string]outbox.Sender {
	senders := make(map[string]outbox.Sender)

	if cfg.CloudTasks.Enabled {
		sender, err := outbox.NewCloudTasksSender(ctx, cfg.CloudTasks.ProjectID, cfg.CloudTasks.Location, cfg.CloudTasks.QueueID, cfg.CloudTasks.TargetURL)
		if err != nil {
			logger.Error("cloud tasks sender unavailable, outbox falls back to HTTP delivery", "error", err)
		} else {
			senders["cloudtasks"] = sender
		}
	}

	if cfg.PubSub.Enabled {
		sender, err := outbox.NewPubSubSender(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			logger.Error("pubsub sender unavailable, outbox falls back to HTTP delivery", "error", err)
		} else {
			senders["pubsub"] = sender
		}
	}

	return senders
}
