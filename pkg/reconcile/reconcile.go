// Package reconcile drives one full reconciliation: fetch the IdP
// population and the broker's principal set, diff them, and apply the
// resulting plan to the broker, recording every outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/oriolrius/keycloak-kafka-scram-sync/internal/errors"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/broker"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/circuitbreaker"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/diff"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/idp"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/scram"
)

// ErrAlreadyRunning is returned by Trigger when a reconciliation is
// already in progress; the caller (pkg/controlapi) maps this to 409.
var ErrAlreadyRunning = errors.New("reconciliation already in progress")

// Totals summarizes a reconciliation's operation outcomes.
type Totals struct {
	Success int
	Error   int
	Skipped int
}

// Result is what Trigger returns once a reconciliation completes.
// FatalErrorCode is set only when an outer exception (as opposed to a
// per-principal ERROR operation) aborted the run; the batch is still
// finished with whatever operations were already recorded.
type Result struct {
	CorrelationID  string
	Totals         Totals
	DurationMs     int64
	FatalErrorCode string `json:"fatalErrorCode,omitempty"`
}

// Config controls reconciliation scope and realm/cluster tagging of
// recorded operations.
type Config struct {
	Realm      string
	ClusterID  string
	Mechanism  scram.Mechanism
	Iterations int32
	Diff       diff.Options
}

// UserEnumerator is the subset of *idp.Enumerator the orchestrator
// needs; an interface so tests can substitute a fake IdP.
type UserEnumerator interface {
	FetchAll(ctx context.Context) ([]idp.User, error)
}

// BrokerClient is the subset of *broker.Client the orchestrator needs.
type BrokerClient interface {
	DescribeAll(ctx context.Context) (broker.PrincipalCredentials, error)
	Alter(ctx context.Context, upsertions []broker.Upsertion, deletions []broker.Deletion) (broker.AlterResults, error)
}

// AuditStore is the subset of *audit.Store the orchestrator needs.
type AuditStore interface {
	CreateBatch(ctx context.Context, correlationID string, source audit.Source) (*audit.Batch, error)
	SetBatchTotal(ctx context.Context, correlationID string, itemsTotal int) error
	RecordOperation(ctx context.Context, op audit.Operation) error
	FinishBatch(ctx context.Context, correlationID string, finishedAt time.Time) (*audit.Batch, error)
}

// RetentionTrigger is the subset of *retention.Purger the orchestrator
// needs to kick a non-blocking purge once a batch finishes.
type RetentionTrigger interface {
	RunOnce(ctx context.Context) (bool, error)
}

// Orchestrator runs reconciliations one at a time, guarded by an
// atomic compare-and-swap flag rather than a mutex so Trigger can fail
// fast instead of queuing behind an in-flight run.
type Orchestrator struct {
	cfg       Config
	idp       UserEnumerator
	broker    BrokerClient
	audit     AuditStore
	breakers  *circuitbreaker.Manager
	retention RetentionTrigger

	running atomic.Bool
}

// New builds an Orchestrator from its collaborators. retention may be
// nil, in which case the post-batch purge trigger is skipped.
func New(cfg Config, enumerator UserEnumerator, brokerClient BrokerClient, store AuditStore, breakers *circuitbreaker.Manager, retention RetentionTrigger) *Orchestrator {
	return &Orchestrator{cfg: cfg, idp: enumerator, broker: brokerClient, audit: store, breakers: breakers, retention: retention}
}

// Trigger runs one reconciliation to completion. dryRun computes and
// records the plan's shape without applying it: the broker's principals
// are still read, but no credential is altered.
//
// An outer failure (as opposed to a per-principal operation error)
// aborts the run, but the batch started by CreateBatch is always
// finished with whatever operations were already recorded: the finish
// happens in a defer so every return path below — including the early
// ones — still marks finishedAt.
func (o *Orchestrator) Trigger(ctx context.Context, source audit.Source, dryRun bool) (result *Result, err error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	start := time.Now()
	correlationID := uuid.NewString()

	if _, err = o.audit.CreateBatch(ctx, correlationID, source); err != nil {
		return nil, fmt.Errorf("failed to start reconciliation batch: %w", err)
	}

	totals := Totals{}
	defer func() {
		// Use a detached context: the caller's ctx may already be
		// canceled (e.g. an aborted apply), but the batch still needs
		// to be closed out.
		finishCtx := context.WithoutCancel(ctx)
		if _, finishErr := o.audit.FinishBatch(finishCtx, correlationID, time.Now()); finishErr != nil {
			if err == nil {
				err = fmt.Errorf("failed to finish reconciliation batch: %w", finishErr)
			}
			return
		}
		if err != nil {
			result = &Result{
				CorrelationID:  correlationID,
				Totals:         totals,
				DurationMs:     time.Since(start).Milliseconds(),
				FatalErrorCode: string(apperrors.GetType(err)),
			}
			return
		}
		if o.retention != nil {
			go func() {
				_, _ = o.retention.RunOnce(context.WithoutCancel(ctx))
			}()
		}
	}()

	var idpUsers []idp.User
	err = o.breakers.Execute(ctx, "idp", func(ctx context.Context) error {
		var ferr error
		idpUsers, ferr = o.idp.FetchAll(ctx)
		return ferr
	})
	if err != nil {
		err = fmt.Errorf("failed to enumerate idp users: %w", err)
		return nil, err
	}

	var creds broker.PrincipalCredentials
	err = o.breakers.Execute(ctx, "broker", func(ctx context.Context) error {
		var ferr error
		creds, ferr = o.broker.DescribeAll(ctx)
		return ferr
	})
	if err != nil {
		err = fmt.Errorf("failed to describe broker principals: %w", err)
		return nil, err
	}

	principals := make([]string, 0, len(creds))
	for p := range creds {
		principals = append(principals, p)
	}

	plan := diff.Compute(idpUsers, principals, o.cfg.Diff, dryRun)
	if err = o.audit.SetBatchTotal(ctx, correlationID, len(plan.Upserts)+len(plan.Deletes)); err != nil {
		err = fmt.Errorf("failed to record batch size: %w", err)
		return nil, err
	}

	if dryRun {
		totals.Skipped = len(plan.Upserts) + len(plan.Deletes)
	} else {
		totals, err = o.apply(ctx, correlationID, plan)
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		CorrelationID: correlationID,
		Totals:        totals,
		DurationMs:    time.Since(start).Milliseconds(),
	}, nil
}

// IsRunning reports whether a reconciliation is currently in progress.
func (o *Orchestrator) IsRunning() bool { return o.running.Load() }

func (o *Orchestrator) apply(ctx context.Context, correlationID string, plan diff.Plan) (Totals, error) {
	var (
		totals Totals
		mu     sync.Mutex
	)
	g, ctx := errgroup.WithContext(ctx)

	record := func(t Totals, err error) error {
		mu.Lock()
		totals.Success += t.Success
		totals.Error += t.Error
		totals.Skipped += t.Skipped
		mu.Unlock()
		return err
	}

	for i := 0; i < len(plan.Upserts); i += broker.MaxAlterBatchSize {
		end := i + broker.MaxAlterBatchSize
		if end > len(plan.Upserts) {
			end = len(plan.Upserts)
		}
		chunk := plan.Upserts[i:end]
		g.Go(func() error {
			t, err := o.applyUpserts(ctx, correlationID, chunk)
			return record(t, err)
		})
	}

	for i := 0; i < len(plan.Deletes); i += broker.MaxAlterBatchSize {
		end := i + broker.MaxAlterBatchSize
		if end > len(plan.Deletes) {
			end = len(plan.Deletes)
		}
		chunk := plan.Deletes[i:end]
		g.Go(func() error {
			t, err := o.applyDeletes(ctx, correlationID, chunk)
			return record(t, err)
		})
	}

	if err := g.Wait(); err != nil {
		return totals, err
	}
	return totals, nil
}
