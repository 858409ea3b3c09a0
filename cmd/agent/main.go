// Command agent runs the SCRAM sync agent: it periodically reconciles
// a Keycloak realm's users against a Kafka-compatible broker's SCRAM
// credential store, purges old audit history, and serves the control
// API (health, metrics, manual triggers, and history/retention
// endpoints) until told to shut down.
//
// Exit codes:
//   - 0: normal shutdown via signal
//   - 1: startup failure (bad config, unreachable database or broker)
//   - 2: unrecoverable runtime failure
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/oriolrius/keycloak-kafka-scram-sync/internal/config"
	"github.com/oriolrius/keycloak-kafka-scram-sync/internal/database"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/broker"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/circuitbreaker"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/controlapi"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/diff"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/idp"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/queue"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/reconcile"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/retention"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/scram"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := start(ctx, cfg, logger); err != nil {
		logger.Error("agent exited with error", zap.Error(err))
		return 2
	}
	logger.Info("agent shut down cleanly")
	return 0
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zapCfg.Build()
}

// start wires every collaborator from cfg and runs the agent until ctx
// is canceled, then drains in-flight work within cfg.ShutdownGrace.
func start(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dbCfg := &database.Config{
		Host:            envOr("DB_HOST", "localhost"),
		Port:            5432,
		User:            envOr("DB_USER", "scram_sync"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envOr("DB_NAME", "scram_sync"),
		SSLMode:         envOr("DB_SSL_MODE", "disable"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	dbCfg.LoadFromEnv()

	db, err := database.Connect(dbCfg, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	store := audit.NewStore(db, logger)

	enumerator := idp.NewEnumerator(idp.Config{
		BaseURL:                cfg.IdP.BaseURL,
		Realm:                  cfg.IdP.Realm,
		ClientID:               cfg.IdP.ClientID,
		ClientSecret:           cfg.IdP.ClientSecret,
		ConnectTimeout:         cfg.IdP.ConnectTimeout,
		ReadTimeout:            cfg.IdP.ReadTimeout,
		PageSize:               cfg.IdP.PageSize,
		ServiceAccountPrefixes: cfg.IdP.ServiceAccountPrefixes,
	})

	brokerClient, err := broker.NewClient(broker.Config{
		Bootstrap:         cfg.Broker.Bootstrap,
		SASLMechanism:     cfg.Broker.SASLMechanism,
		SASLUsername:      cfg.Broker.SASLUsername,
		SASLPassword:      cfg.Broker.SASLPassword,
		RequestTimeout:    cfg.Broker.RequestTimeout,
		DefaultAPITimeout: cfg.Broker.DefaultAPITimeout,
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer brokerClient.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), "idp", "broker")

	mechanism := scram.MechanismSHA256
	if len(cfg.Reconcile.Mechanisms) > 0 {
		mechanism = scram.ParseMechanism(cfg.Reconcile.Mechanisms[0])
	}

	purger := retention.New(db.DB, store, retention.Config{
		CheckInterval:      cfg.Retention.CheckInterval,
		DefaultMaxAgeDays:  cfg.Retention.DefaultMaxAgeDays,
		SizePurgeBatchRows: cfg.Retention.SizePurgeBatchRows,
	}, logger)

	orchestrator := reconcile.New(reconcile.Config{
		Realm:      cfg.IdP.Realm,
		ClusterID:  cfg.Reconcile.ClusterID,
		Mechanism:  mechanism,
		Iterations: int32(cfg.Reconcile.Iterations),
		Diff: diff.Options{
			AlwaysUpsert: cfg.Reconcile.AlwaysUpsert,
			Excluded:     cfg.Reconcile.ExcludedPrincipals,
		},
	}, enumerator, brokerClient, store, breakers, purger)

	eventQueue := queue.New(queue.Config{
		Capacity:    cfg.Queue.Capacity,
		Overflow:    parseOverflow(cfg.Queue.Overflow),
		Workers:     cfg.Queue.Workers,
		MaxRetries:  cfg.Queue.MaxRetries,
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
	})

	api := controlapi.New(controlapi.Config{
		CORS: controlapi.CORSConfig{
			AllowedOrigins:   cfg.ControlAPI.CORS.AllowedOrigins,
			AllowedMethods:   cfg.ControlAPI.CORS.AllowedMethods,
			AllowedHeaders:   cfg.ControlAPI.CORS.AllowedHeaders,
			AllowCredentials: cfg.ControlAPI.CORS.AllowCredentials,
		},
		BasicAuthUser: cfg.ControlAPI.BasicAuthUser,
		BasicAuthPass: cfg.ControlAPI.BasicAuthPass,
		SummaryWindow: cfg.ControlAPI.SummaryWindow,
	}, orchestrator, store, eventQueue, breakers, logger)

	httpServer := &http.Server{
		Addr:    cfg.ControlAPI.ListenAddr,
		Handler: api,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("control API listening", zap.String("addr", cfg.ControlAPI.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return runOnInterval(gctx, cfg.Reconcile.Interval, func(ctx context.Context) {
			if _, err := orchestrator.Trigger(ctx, audit.SourceScheduled, false); err != nil && !errors.Is(err, reconcile.ErrAlreadyRunning) {
				logger.Error("scheduled reconciliation failed", zap.Error(err))
			}
		})
	})

	g.Go(func() error {
		return runOnInterval(gctx, cfg.Retention.CheckInterval, func(ctx context.Context) {
			if _, err := purger.RunOnce(ctx); err != nil {
				logger.Error("retention purge failed", zap.Error(err))
			}
		})
	})

	eventHandler := newEventHandler(brokerClient, store, breakers, mechanism, int32(cfg.Reconcile.Iterations), cfg.Reconcile.ClusterID, cfg.IdP.Realm)
	g.Go(func() error {
		return eventQueue.Run(gctx, eventHandler)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received, draining", zap.Duration("grace_period", cfg.ShutdownGrace))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	eventQueue.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown did not complete cleanly", zap.Error(err))
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// runOnInterval invokes fn every interval until ctx is canceled. It
// does not run fn immediately on entry; the first pass happens after
// the first tick.
func runOnInterval(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// brokerCredentialClient is the subset of *broker.Client the queued
// event handler needs.
type brokerCredentialClient interface {
	Upsert(ctx context.Context, principal string, verifier *scram.Verifier) error
	Delete(ctx context.Context, principal string, mechanism scram.Mechanism) error
}

// newEventHandler builds a queue.Handler that applies one queued
// ingestion event directly against the broker (no full reconciliation
// run), per the event's opType. Upserts generate a fresh random
// verifier rather than reusing any previously captured password — the
// same "no password migration" posture the initial-population path
// takes.
func newEventHandler(brokerClient brokerCredentialClient, store *audit.Store, breakers *circuitbreaker.Manager, mechanism scram.Mechanism, iterations int32, clusterID, realm string) queue.Handler {
	return func(ctx context.Context, ev queue.Event) error {
		start := time.Now()
		var opErr error
		switch ev.OpType {
		case string(audit.OpUpsert):
			opErr = breakers.Execute(ctx, "broker", func(ctx context.Context) error {
				verifier, err := scram.Generate(randomPassword(), scram.Options{Mechanism: mechanism, Iterations: iterations})
				if err != nil {
					return err
				}
				return brokerClient.Upsert(ctx, ev.Principal, verifier)
			})
		case string(audit.OpDelete):
			opErr = breakers.Execute(ctx, "broker", func(ctx context.Context) error {
				return brokerClient.Delete(ctx, ev.Principal, mechanism)
			})
		default:
			return fmt.Errorf("event queue: unknown op type %q", ev.OpType)
		}

		result := audit.ResultSuccess
		errMsg := ""
		if opErr != nil {
			result = audit.ResultError
			errMsg = opErr.Error()
			if len(errMsg) > maxErrorMessageLen {
				errMsg = errMsg[:maxErrorMessageLen]
			}
		}
		op := audit.Operation{
			CorrelationID: ev.CorrelationID,
			OccurredAt:    time.Now(),
			Realm:         realm,
			ClusterID:     clusterID,
			Principal:     ev.Principal,
			OpType:        audit.OpType(ev.OpType),
			Mechanism:     mechanism.String(),
			Result:        result,
			ErrorMessage:  errMsg,
			DurationMs:    time.Since(start).Milliseconds(),
		}
		_ = store.RecordOperation(ctx, op)
		return opErr
	}
}

// maxErrorMessageLen bounds audit.Operation.ErrorMessage so a verbose
// broker error can't blow out a row.
const maxErrorMessageLen = 1024

func randomPassword() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("event handler: crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func parseOverflow(v string) queue.OverflowPolicy {
	if v == "drop_oldest" {
		return queue.DropOldest
	}
	return queue.Reject
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
