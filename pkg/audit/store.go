package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit/sqlutil"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/shared/logging"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/shared/math"
)

const uniqueViolationCode = "23505"

// Store persists sync_batch, sync_operation and retention_state rows.
// *sqlx.DB embeds *sql.DB, so every other query here still goes
// through the plain database/sql API; only GetRetention uses sqlx's
// struct-scanning convenience.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore wraps an already-connected database handle. Connection
// lifecycle (pooling, migrations) is internal/database's concern.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// CreateBatch inserts a new sync_batch row with itemsTotal=0 and no
// finished_at, returning the row with its generated id and started_at.
func (s *Store) CreateBatch(ctx context.Context, correlationID string, source Source) (*Batch, error) {
	b := &Batch{CorrelationID: correlationID, Source: source}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_batch (correlation_id, source, items_total, items_success, items_error)
		VALUES ($1, $2, 0, 0, 0)
		RETURNING id, started_at`,
		correlationID, source,
	)
	if err := row.Scan(&b.ID, &b.StartedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, NewConflictProblem("sync_batch", "correlation_id", correlationID)
		}
		return nil, fmt.Errorf("failed to insert batch: %w", err)
	}
	return b, nil
}

// SetBatchTotal updates itemsTotal once the diff plan's size is known.
func (s *Store) SetBatchTotal(ctx context.Context, correlationID string, itemsTotal int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_batch SET items_total = $1 WHERE correlation_id = $2`,
		itemsTotal, correlationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch total: %w", err)
	}
	return expectOneRow(res, "sync_batch", correlationID)
}

// RecordOperation inserts an operation row and, in the same transaction,
// increments the owning batch's itemsSuccess or itemsError counter
// (SKIPPED results increment neither).
func (s *Store) RecordOperation(ctx context.Context, op Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin operation transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_operation
			(correlation_id, occurred_at, realm, cluster_id, principal, op_type, mechanism, result, error_code, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		op.CorrelationID, op.OccurredAt, op.Realm, op.ClusterID, op.Principal,
		op.OpType, sqlutil.ToNullStringValue(op.Mechanism), op.Result,
		sqlutil.ToNullStringValue(op.ErrorCode), sqlutil.ToNullStringValue(op.ErrorMessage), op.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	switch op.Result {
	case ResultSuccess:
		_, err = tx.ExecContext(ctx, `UPDATE sync_batch SET items_success = items_success + 1 WHERE correlation_id = $1`, op.CorrelationID)
	case ResultError:
		_, err = tx.ExecContext(ctx, `UPDATE sync_batch SET items_error = items_error + 1 WHERE correlation_id = $1`, op.CorrelationID)
	}
	if err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}

	s.logger.Debug("recorded operation", logging.NewFields().
		Operation(string(op.OpType)).
		Resource("principal", op.Principal).
		Custom("result", string(op.Result)).
		ToZap()...,
	)
	return nil
}

// FinishBatch sets finished_at on the batch and returns the final row.
func (s *Store) FinishBatch(ctx context.Context, correlationID string, finishedAt time.Time) (*Batch, error) {
	b := &Batch{}
	var fa sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		UPDATE sync_batch SET finished_at = $1 WHERE correlation_id = $2
		RETURNING id, correlation_id, started_at, finished_at, source, items_total, items_success, items_error`,
		finishedAt, correlationID,
	)
	if err := row.Scan(&b.ID, &b.CorrelationID, &b.StartedAt, &fa, &b.Source, &b.ItemsTotal, &b.ItemsSuccess, &b.ItemsError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundProblem("sync_batch", correlationID)
		}
		return nil, fmt.Errorf("failed to finish batch: %w", err)
	}
	b.FinishedAt = sqlutil.FromNullTime(fa)
	return b, nil
}

// GetBatch fetches a batch by correlation id.
func (s *Store) GetBatch(ctx context.Context, correlationID string) (*Batch, error) {
	b := &Batch{}
	var finishedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT id, correlation_id, started_at, finished_at, source, items_total, items_success, items_error
		FROM sync_batch WHERE correlation_id = $1`, correlationID)

	err := row.Scan(&b.ID, &b.CorrelationID, &b.StartedAt, &finishedAt, &b.Source, &b.ItemsTotal, &b.ItemsSuccess, &b.ItemsError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundProblem("sync_batch", correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve batch: %w", err)
	}
	b.FinishedAt = sqlutil.FromNullTime(finishedAt)
	return b, nil
}

// ListBatches returns batches newest-first, paginated.
func (s *Store) ListBatches(ctx context.Context, page, pageSize int) ([]Batch, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 0 {
		page = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, started_at, finished_at, source, items_total, items_success, items_error
		FROM sync_batch ORDER BY started_at DESC LIMIT $1 OFFSET $2`,
		pageSize, page*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		var finishedAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.CorrelationID, &b.StartedAt, &finishedAt, &b.Source, &b.ItemsTotal, &b.ItemsSuccess, &b.ItemsError); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		b.FinishedAt = sqlutil.FromNullTime(finishedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListOperations returns operations matching filter, newest-first.
func (s *Store) ListOperations(ctx context.Context, filter OperationFilter) ([]Operation, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	page := filter.Page
	if page < 0 {
		page = 0
	}

	query := `SELECT id, correlation_id, occurred_at, realm, cluster_id, principal, op_type, mechanism, result, error_code, error_message, duration_ms
		FROM sync_operation WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = " + arg(filter.CorrelationID)
	}
	if filter.Realm != "" {
		query += " AND realm = " + arg(filter.Realm)
	}
	if filter.Principal != "" {
		query += " AND principal = " + arg(filter.Principal)
	}
	if filter.Result != "" {
		query += " AND result = " + arg(filter.Result)
	}
	if filter.OpType != "" {
		query += " AND op_type = " + arg(filter.OpType)
	}
	if filter.Since != nil {
		query += " AND occurred_at >= " + arg(*filter.Since)
	}
	if filter.Until != nil {
		query += " AND occurred_at <= " + arg(*filter.Until)
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT %s OFFSET %s", arg(pageSize), arg(page*pageSize))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var mechanism, errCode, errMsg sql.NullString
		if err := rows.Scan(&op.ID, &op.CorrelationID, &op.OccurredAt, &op.Realm, &op.ClusterID, &op.Principal,
			&op.OpType, &mechanism, &op.Result, &errCode, &errMsg, &op.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		op.Mechanism = sqlutil.StringOrEmpty(mechanism)
		op.ErrorCode = sqlutil.StringOrEmpty(errCode)
		op.ErrorMessage = sqlutil.StringOrEmpty(errMsg)
		out = append(out, op)
	}
	return out, rows.Err()
}

// retentionRow is GetRetention's sqlx scan target: sqlx.StructScan maps
// columns to fields by `db` tag, which lets GetRetention skip a
// manual positional Scan.
type retentionRow struct {
	MaxBytes      sql.NullInt64 `db:"max_bytes"`
	MaxAgeDays    sql.NullInt64 `db:"max_age_days"`
	ApproxDBBytes int64         `db:"approx_db_bytes"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// GetRetention reads the singleton retention_state row.
func (s *Store) GetRetention(ctx context.Context) (*RetentionState, error) {
	var row retentionRow
	err := s.db.GetContext(ctx, &row, `SELECT max_bytes, max_age_days, approx_db_bytes, updated_at FROM retention_state WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundProblem("retention_state", "1")
		}
		return nil, fmt.Errorf("failed to retrieve retention state: %w", err)
	}
	return &RetentionState{
		MaxBytes:      sqlutil.FromNullInt64(row.MaxBytes),
		MaxAgeDays:    sqlutil.FromNullInt64(row.MaxAgeDays),
		ApproxDBBytes: row.ApproxDBBytes,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// UpdateRetention sets the policy fields of the singleton row.
func (s *Store) UpdateRetention(ctx context.Context, maxBytes, maxAgeDays *int64) (*RetentionState, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE retention_state
		SET max_bytes = $1, max_age_days = $2, updated_at = now()
		WHERE id = 1
		RETURNING max_bytes, max_age_days, approx_db_bytes, updated_at`,
		sqlutil.ToNullInt64(maxBytes), sqlutil.ToNullInt64(maxAgeDays),
	)
	rs := &RetentionState{}
	var mb, mad sql.NullInt64
	if err := row.Scan(&mb, &mad, &rs.ApproxDBBytes, &rs.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundProblem("retention_state", "1")
		}
		return nil, fmt.Errorf("failed to update retention state: %w", err)
	}
	rs.MaxBytes = sqlutil.FromNullInt64(mb)
	rs.MaxAgeDays = sqlutil.FromNullInt64(mad)
	return rs, nil
}

// ApproxDBBytes reports the database's own size estimate, used by the
// retention purger's size-based trigger.
func (s *Store) ApproxDBBytes(ctx context.Context) (int64, error) {
	var bytes int64
	row := s.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`)
	if err := row.Scan(&bytes); err != nil {
		return 0, fmt.Errorf("failed to read database size: %w", err)
	}
	return bytes, nil
}

// RecordApproxDBBytes persists the purger's post-pass size estimate on
// the singleton retention_state row, advancing updated_at alongside
// it, so GetRetention reflects the database's size as of the most
// recent purge rather than whatever it was when the policy was last
// edited.
func (s *Store) RecordApproxDBBytes(ctx context.Context, bytes int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE retention_state SET approx_db_bytes = $1, updated_at = now() WHERE id = 1`, bytes)
	if err != nil {
		return fmt.Errorf("failed to record database size estimate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm database size estimate update: %w", err)
	}
	if n == 0 {
		return NewNotFoundProblem("retention_state", "1")
	}
	return nil
}

// Summary computes a rolling view over operations in the last window,
// including p95/p99 operation duration.
func (s *Store) Summary(ctx context.Context, window time.Duration, now time.Time) (*Summary, error) {
	start := now.Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT result, duration_ms FROM sync_operation WHERE occurred_at >= $1 AND occurred_at <= $2`,
		start, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute summary: %w", err)
	}
	defer rows.Close()

	var durations []float64
	total, errCount := 0, 0
	for rows.Next() {
		var result Result
		var durationMs int64
		if err := rows.Scan(&result, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		total++
		if result == ResultError {
			errCount++
		}
		durations = append(durations, float64(durationMs))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary := &Summary{
		WindowStart:     start,
		WindowEnd:       now,
		OperationsTotal: total,
		OperationsError: errCount,
	}
	if total > 0 {
		summary.ErrorRate = float64(errCount) / float64(total)
	}
	summary.DurationP95Ms = math.Percentile(durations, 95)
	summary.DurationP99Ms = math.Percentile(durations, 99)
	return summary, nil
}

// HealthCheck verifies the underlying connection is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

func expectOneRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm %s update: %w", resource, err)
	}
	if n == 0 {
		return NewNotFoundProblem(resource, id)
	}
	return nil
}
