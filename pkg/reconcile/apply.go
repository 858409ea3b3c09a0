package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/broker"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/idp"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/scram"
)

// randomPassword generates a fresh 24-byte password used only to
// derive a SCRAM verifier; it is never persisted or reused.
func randomPassword() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reconcile: crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (o *Orchestrator) applyUpserts(ctx context.Context, correlationID string, users []idp.User) (Totals, error) {
	upsertions := make([]broker.Upsertion, 0, len(users))
	for _, u := range users {
		verifier, err := scram.Generate(randomPassword(), scram.Options{Mechanism: o.cfg.Mechanism, Iterations: o.cfg.Iterations})
		if err != nil {
			// A password generation failure is this principal's failure
			// alone; record it and keep going with the rest of the chunk.
			o.recordResult(ctx, correlationID, u.Username, audit.OpUpsert, audit.ResultError, "generate_failed", err, 0)
			continue
		}
		upsertions = append(upsertions, broker.Upsertion{Principal: u.Username, Verifier: verifier})
	}

	start := time.Now()
	var results broker.AlterResults
	err := o.breakers.Execute(ctx, "broker", func(ctx context.Context) error {
		var err error
		results, err = o.broker.Alter(ctx, upsertions, nil)
		return err
	})
	durationMs := time.Since(start).Milliseconds()

	totals := Totals{}
	if err != nil {
		for _, u := range upsertions {
			o.recordResult(ctx, correlationID, u.Principal, audit.OpUpsert, audit.ResultError, "broker_unavailable", err, durationMs)
		}
		totals.Error += len(upsertions)
		return totals, nil
	}

	for _, u := range upsertions {
		opErr := results[u.Principal]
		if opErr != nil {
			o.recordResult(ctx, correlationID, u.Principal, audit.OpUpsert, audit.ResultError, "alter_failed", opErr, durationMs)
			totals.Error++
			continue
		}
		o.recordResult(ctx, correlationID, u.Principal, audit.OpUpsert, audit.ResultSuccess, "", nil, durationMs)
		totals.Success++
	}
	return totals, nil
}

func (o *Orchestrator) applyDeletes(ctx context.Context, correlationID string, principals []string) (Totals, error) {
	deletions := make([]broker.Deletion, 0, len(principals))
	for _, p := range principals {
		deletions = append(deletions, broker.Deletion{Principal: p, Mechanism: o.cfg.Mechanism})
	}

	start := time.Now()
	var results broker.AlterResults
	err := o.breakers.Execute(ctx, "broker", func(ctx context.Context) error {
		var err error
		results, err = o.broker.Alter(ctx, nil, deletions)
		return err
	})
	durationMs := time.Since(start).Milliseconds()

	totals := Totals{}
	if err != nil {
		for _, p := range principals {
			o.recordResult(ctx, correlationID, p, audit.OpDelete, audit.ResultError, "broker_unavailable", err, durationMs)
		}
		totals.Error += len(principals)
		return totals, nil
	}

	for _, p := range principals {
		opErr := results[p]
		if opErr != nil {
			o.recordResult(ctx, correlationID, p, audit.OpDelete, audit.ResultError, "alter_failed", opErr, durationMs)
			totals.Error++
			continue
		}
		o.recordResult(ctx, correlationID, p, audit.OpDelete, audit.ResultSuccess, "", nil, durationMs)
		totals.Success++
	}
	return totals, nil
}

func (o *Orchestrator) recordResult(ctx context.Context, correlationID, principal string, opType audit.OpType, result audit.Result, errCode string, cause error, durationMs int64) {
	op := audit.Operation{
		CorrelationID: correlationID,
		OccurredAt:    time.Now(),
		Realm:         o.cfg.Realm,
		ClusterID:     o.cfg.ClusterID,
		Principal:     principal,
		OpType:        opType,
		Mechanism:     o.cfg.Mechanism.String(),
		Result:        result,
		ErrorCode:     errCode,
		DurationMs:    durationMs,
	}
	if cause != nil {
		op.ErrorMessage = truncate(cause.Error(), maxErrorMessageLen)
	}
	// Best-effort: a failure to persist an audit row must not abort the
	// reconciliation itself.
	_ = o.audit.RecordOperation(ctx, op)
}

// maxErrorMessageLen bounds audit.Operation.ErrorMessage so a verbose
// driver/broker error can't blow out a row.
const maxErrorMessageLen = 1024

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
