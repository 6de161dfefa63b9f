package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VancouverCanada/openport/pkg/admin"
	"github.com/VancouverCanada/openport/pkg/agent"
	"github.com/VancouverCanada/openport/pkg/api"
	"github.com/VancouverCanada/openport/pkg/artifacts"
	"github.com/VancouverCanada/openport/pkg/audit"
	"github.com/VancouverCanada/openport/pkg/auth"
	"github.com/VancouverCanada/openport/pkg/config"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/finance"
	"github.com/VancouverCanada/openport/pkg/observability"
	"github.com/VancouverCanada/openport/pkg/policy"
	"github.com/VancouverCanada/openport/pkg/ratelimit"
	"github.com/VancouverCanada/openport/pkg/store"
	"github.com/VancouverCanada/openport/pkg/tooling"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	shutdownTimeout = 10 * time.Second
	demoOperator    = "admin_demo"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

// databases holds the connections opened for the configured modes. The
// sqlite and postgres handles are shared by every component that uses them.
type databases struct {
	sqlitePath string
	dsn        string
	sqlite     *sql.DB
	postgres   *sql.DB
}

func (d *databases) open(ctx context.Context, mode string) (*sql.DB, error) {
	switch mode {
	case config.ModeSQLite:
		if d.sqlite != nil {
			return d.sqlite, nil
		}
		if err := os.MkdirAll(filepath.Dir(d.sqlitePath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Printf("[openport] lite mode: using sqlite at %s", d.sqlitePath)
		db, err := sql.Open("sqlite", d.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		d.sqlite = db
		return db, nil
	case config.ModePostgres:
		if d.postgres != nil {
			return d.postgres, nil
		}
		db, err := sql.Open("postgres", d.dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("DB ping failed: %w", err)
		}
		log.Println("[openport] postgres: connected")
		d.postgres = db
		return db, nil
	default:
		return nil, nil
	}
}

func (d *databases) close() {
	for _, db := range []*sql.DB{d.sqlite, d.postgres} {
		if db != nil {
			_ = db.Close()
		}
	}
}

//nolint:gocognit,gocyclo
func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	telemetryCfg := observability.DefaultConfig()
	telemetryCfg.ServiceVersion = Version
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	telemetryCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	telemetryCfg.Insecure = cfg.Telemetry.Insecure
	telemetryCfg.Environment = cfg.Telemetry.Environment
	telemetry, err := observability.New(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	dbs := &databases{sqlitePath: cfg.SQLitePath, dsn: cfg.DatabaseURL}
	defer dbs.close()

	// Credential store and audit sink.
	var (
		credentials store.Store
		sink        audit.Sink
	)
	storeDB, err := dbs.open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	if storeDB == nil {
		credentials = store.NewMemoryStore()
		sink = audit.NewMemorySink()
	} else {
		sqlStore, err := store.NewSQLStore(ctx, storeDB)
		if err != nil {
			return fmt.Errorf("failed to init credential store: %w", err)
		}
		sqlSink, err := audit.NewSQLSink(ctx, storeDB)
		if err != nil {
			return fmt.Errorf("failed to init audit sink: %w", err)
		}
		credentials, sink = sqlStore, sqlSink
	}
	log.Printf("[openport] credential store: %s", cfg.Store)

	// Storage backend.
	var backend finance.Backend
	domainDB, err := dbs.open(ctx, cfg.DomainAdapter)
	if err != nil {
		return err
	}
	if domainDB == nil {
		seed := finance.Seed{}
		if cfg.Demo {
			seed = finance.DemoSeed(contracts.Now())
		}
		backend = finance.NewMemoryBackend(seed)
	} else {
		sqlBackend, err := finance.NewSQLBackend(ctx, domainDB)
		if err != nil {
			return fmt.Errorf("failed to init storage backend: %w", err)
		}
		if cfg.Demo {
			if err := sqlBackend.Seed(ctx, finance.DemoSeed(contracts.Now())); err != nil {
				return fmt.Errorf("failed to seed storage backend: %w", err)
			}
		}
		backend = sqlBackend
	}
	log.Printf("[openport] domain adapter: %s", cfg.DomainAdapter)

	// Rate limiter.
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RedisAddr != "" {
		rl := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		defer rl.Close()
		limiter = rl
		log.Printf("[openport] rate limiter: redis at %s", cfg.RedisAddr)
	}

	exports, err := artifacts.New(ctx, cfg.ArtifactConfig())
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	hasher, err := auth.NewTokenHasher(cfg.TokenPepper)
	if err != nil {
		return err
	}
	conditions, err := policy.NewConditionEvaluator()
	if err != nil {
		return err
	}
	tools, err := tooling.NewRegistry(backend, tooling.WithArtifacts(exports))
	if err != nil {
		return fmt.Errorf("failed to init tool registry: %w", err)
	}
	auditor := audit.NewService(sink)

	agentEngine := agent.NewEngine(credentials, tools, backend, auditor,
		agent.WithConditions(conditions),
		agent.WithPreflightTTL(cfg.PreflightTTL),
		agent.WithDecisions(telemetry),
	)
	adminEngine := admin.NewEngine(credentials, tools, agentEngine, auditor, hasher,
		admin.WithConditions(conditions),
		admin.WithArtifacts(exports),
	)

	if cfg.Demo {
		if err := seedDemo(ctx, adminEngine); err != nil {
			return err
		}
	}
	if cfg.Bootstrap != nil {
		if err := seedBootstrap(ctx, adminEngine, cfg.Bootstrap); err != nil {
			return err
		}
	}

	authn := auth.NewAuthenticator(credentials, limiter, hasher).
		WithRateLimit(ratelimit.Policy{Limit: cfg.RateLimit, Window: cfg.RateWindow})
	ipLimiter := api.NewIPRateLimiter(cfg.IPRPS, cfg.IPBurst)
	defer ipLimiter.Stop()

	srv, err := api.NewServer(agentEngine, adminEngine, authn,
		auth.NewOperatorAuthenticator(cfg.AdminJWTSecret),
		api.WithTelemetry(telemetry),
		api.WithIPRateLimiter(ipLimiter),
		api.WithLogger(logger.With("component", "api")),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	log.Printf("[openport] ready: http://localhost%s", cfg.Addr)
	log.Println("[openport] press ctrl+c to stop")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("[openport] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
