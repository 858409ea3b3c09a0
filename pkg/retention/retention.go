// Package retention purges old sync_operation/sync_batch rows once
// they exceed the configured age or the database exceeds its
// configured size budget.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/shared/logging"
)

// RetentionReader is the audit surface the purger needs to decide
// whether a size-based purge is due.
type RetentionReader interface {
	GetRetention(ctx context.Context) (*audit.RetentionState, error)
	ApproxDBBytes(ctx context.Context) (int64, error)
	RecordApproxDBBytes(ctx context.Context, bytes int64) error
}

// Config controls the purger's schedule and default policy when no
// retention row overrides it.
type Config struct {
	CheckInterval      time.Duration
	DefaultMaxAgeDays  int64
	SizePurgeBatchRows int
}

// DefaultConfig checks every hour, with a 90-day default TTL when no
// retention policy has been configured.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      1 * time.Hour,
		DefaultMaxAgeDays:  90,
		SizePurgeBatchRows: 5000,
	}
}

// Purger deletes expired rows and runs a non-transactional VACUUM
// after a size-triggered purge so the freed pages are actually
// reclaimed rather than merely marked dead.
type Purger struct {
	db     *sql.DB
	audit  RetentionReader
	cfg    Config
	logger *zap.Logger

	running atomic.Bool
}

// New builds a Purger. db is used only for the DELETE/VACUUM
// statements that audit.Store doesn't expose (VACUUM cannot run on a
// connection participating in a transaction, so it needs a raw
// *sql.DB handle rather than the Store's transactional query surface).
func New(db *sql.DB, store RetentionReader, cfg Config, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{db: db, audit: store, cfg: cfg, logger: logger}
}

// RunOnce performs one purge pass: TTL purge, then size purge if the
// database is over budget. A second call while one is still running
// is a no-op, reported via the returned bool.
func (p *Purger) RunOnce(ctx context.Context) (ran bool, err error) {
	if !p.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer p.running.Store(false)

	state, err := p.audit.GetRetention(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to read retention policy: %w", err)
	}

	maxAgeDays := p.cfg.DefaultMaxAgeDays
	if state.MaxAgeDays != nil {
		maxAgeDays = *state.MaxAgeDays
	}
	if maxAgeDays > 0 {
		if err := p.purgeByAge(ctx, maxAgeDays); err != nil {
			return true, err
		}
	}

	if state.MaxBytes != nil && *state.MaxBytes > 0 {
		if err := p.purgeBySize(ctx, *state.MaxBytes); err != nil {
			return true, err
		}
	}

	bytes, err := p.audit.ApproxDBBytes(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to measure database size after purge: %w", err)
	}
	if err := p.audit.RecordApproxDBBytes(ctx, bytes); err != nil {
		return true, fmt.Errorf("failed to persist database size estimate: %w", err)
	}

	return true, nil
}

// Run loops RunOnce on cfg.CheckInterval until ctx is canceled.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("retention purge failed", logging.NewFields().Operation("retention_purge").Error(err).ToZap()...)
			}
		}
	}
}

func (p *Purger) purgeByAge(ctx context.Context, maxAgeDays int64) error {
	cutoff := time.Now().AddDate(0, 0, -int(maxAgeDays))

	if _, err := p.db.ExecContext(ctx, `DELETE FROM sync_operation WHERE occurred_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to purge expired operations: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sync_batch WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to purge expired batches: %w", err)
	}
	return nil
}

// purgeBySize deletes the oldest completed batches and their
// operations in bounded chunks until the database's own size estimate
// is back under budget, then VACUUMs the two tables to reclaim the
// freed pages.
func (p *Purger) purgeBySize(ctx context.Context, maxBytes int64) error {
	for {
		bytes, err := p.audit.ApproxDBBytes(ctx)
		if err != nil {
			return fmt.Errorf("failed to check database size: %w", err)
		}
		if bytes <= maxBytes {
			break
		}

		n, err := p.purgeOldestBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			// Nothing left to purge; the budget is simply unreachable
			// with the current data, so stop rather than loop forever.
			break
		}
	}

	if err := p.vacuum(ctx); err != nil {
		return err
	}
	return nil
}

func (p *Purger) purgeOldestBatch(ctx context.Context) (int64, error) {
	var correlationID string
	row := p.db.QueryRowContext(ctx, `
		SELECT correlation_id FROM sync_batch
		WHERE finished_at IS NOT NULL
		ORDER BY started_at ASC
		LIMIT 1`)
	if err := row.Scan(&correlationID); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to find oldest batch: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `DELETE FROM sync_operation WHERE correlation_id = $1`, correlationID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge batch operations: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := p.db.ExecContext(ctx, `DELETE FROM sync_batch WHERE correlation_id = $1`, correlationID); err != nil {
		return 0, fmt.Errorf("failed to purge batch: %w", err)
	}
	return n + 1, nil
}

// vacuum runs a dedicated, non-pooled connection's VACUUM since
// Postgres refuses VACUUM inside a transaction block, and database/sql
// may otherwise wrap statements from a pooled connection in one.
func (p *Purger) vacuum(ctx context.Context) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire vacuum connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `VACUUM (ANALYZE) sync_operation`); err != nil {
		return fmt.Errorf("failed to vacuum sync_operation: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `VACUUM (ANALYZE) sync_batch`); err != nil {
		return fmt.Errorf("failed to vacuum sync_batch: %w", err)
	}
	return nil
}
