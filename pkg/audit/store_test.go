package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

func TestCreateBatch_Success(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO sync_batch`).
		WithArgs("corr-1", SourceScheduled).
		WillReturnRows(sqlmock.NewRows([]string{"id", "started_at"}).AddRow(int64(1), now))

	b, err := store.CreateBatch(context.Background(), "corr-1", SourceScheduled)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if b.ID != 1 || b.CorrelationID != "corr-1" {
		t.Errorf("CreateBatch() = %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateBatch_UniqueViolationIsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO sync_batch`).
		WithArgs("corr-1", SourceScheduled).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateBatch(context.Background(), "corr-1", SourceScheduled)
	if err == nil {
		t.Fatal("expected error")
	}
	problem, ok := err.(*RFC7807Problem)
	if !ok || problem.Status != 409 {
		t.Errorf("CreateBatch() error = %v, want *RFC7807Problem status 409", err)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM sync_batch WHERE correlation_id`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetBatch(context.Background(), "missing")
	problem, ok := err.(*RFC7807Problem)
	if !ok || problem.Status != 404 {
		t.Errorf("GetBatch() error = %v, want *RFC7807Problem status 404", err)
	}
}

func TestGetRetention_ScansRowViaSqlx(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"max_bytes", "max_age_days", "approx_db_bytes", "updated_at"}).
		AddRow(int64(1073741824), int64(90), int64(512), now)
	mock.ExpectQuery(`SELECT max_bytes, max_age_days, approx_db_bytes, updated_at FROM retention_state`).
		WillReturnRows(rows)

	rs, err := store.GetRetention(context.Background())
	if err != nil {
		t.Fatalf("GetRetention() error = %v", err)
	}
	if rs.MaxBytes == nil || *rs.MaxBytes != 1073741824 {
		t.Errorf("MaxBytes = %v, want 1073741824", rs.MaxBytes)
	}
	if rs.MaxAgeDays == nil || *rs.MaxAgeDays != 90 {
		t.Errorf("MaxAgeDays = %v, want 90", rs.MaxAgeDays)
	}
	if rs.ApproxDBBytes != 512 {
		t.Errorf("ApproxDBBytes = %d, want 512", rs.ApproxDBBytes)
	}
}

func TestGetRetention_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT max_bytes, max_age_days, approx_db_bytes, updated_at FROM retention_state`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetRetention(context.Background())
	problem, ok := err.(*RFC7807Problem)
	if !ok || problem.Status != 404 {
		t.Errorf("GetRetention() error = %v, want *RFC7807Problem status 404", err)
	}
}

func TestRecordOperation_IncrementsSuccessCounter(t *testing.T) {
	store, mock := newMockStore(t)
	op := Operation{
		CorrelationID: "corr-1",
		OccurredAt:    time.Now(),
		Realm:         "realm-a",
		Principal:     "alice",
		OpType:        OpUpsert,
		Mechanism:     "SCRAM-SHA-256",
		Result:        ResultSuccess,
		DurationMs:    12,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sync_operation`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE sync_batch SET items_success`).
		WithArgs("corr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.RecordOperation(context.Background(), op); err != nil {
		t.Fatalf("RecordOperation() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordOperation_ErrorResultIncrementsErrorCounter(t *testing.T) {
	store, mock := newMockStore(t)
	op := Operation{CorrelationID: "corr-1", OccurredAt: time.Now(), Result: ResultError, OpType: OpDelete}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sync_operation`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE sync_batch SET items_error`).
		WithArgs("corr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.RecordOperation(context.Background(), op); err != nil {
		t.Fatalf("RecordOperation() error = %v", err)
	}
}

func TestRecordOperation_SkippedDoesNotTouchCounters(t *testing.T) {
	store, mock := newMockStore(t)
	op := Operation{CorrelationID: "corr-1", OccurredAt: time.Now(), Result: ResultSkipped, OpType: OpUpsert}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sync_operation`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RecordOperation(context.Background(), op); err != nil {
		t.Fatalf("RecordOperation() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHealthCheck(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing()

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)

	err := store.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSummary_ComputesErrorRateAndPercentiles(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"result", "duration_ms"}).
		AddRow(ResultSuccess, int64(10)).
		AddRow(ResultSuccess, int64(20)).
		AddRow(ResultError, int64(30)).
		AddRow(ResultSuccess, int64(40))

	mock.ExpectQuery(`SELECT result, duration_ms FROM sync_operation`).
		WithArgs(now.Add(-time.Hour), now).
		WillReturnRows(rows)

	summary, err := store.Summary(context.Background(), time.Hour, now)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.OperationsTotal != 4 || summary.OperationsError != 1 {
		t.Errorf("Summary() = %+v", summary)
	}
	if summary.ErrorRate != 0.25 {
		t.Errorf("ErrorRate = %v, want 0.25", summary.ErrorRate)
	}
}

func TestApproxDBBytes(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT pg_database_size`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_database_size"}).AddRow(int64(1048576)))

	got, err := store.ApproxDBBytes(context.Background())
	if err != nil {
		t.Fatalf("ApproxDBBytes() error = %v", err)
	}
	if got != 1048576 {
		t.Errorf("ApproxDBBytes() = %d, want 1048576", got)
	}
}

func TestRecordApproxDBBytes_Success(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE retention_state SET approx_db_bytes`).
		WithArgs(int64(2048)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RecordApproxDBBytes(context.Background(), 2048); err != nil {
		t.Fatalf("RecordApproxDBBytes() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordApproxDBBytes_MissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE retention_state SET approx_db_bytes`).
		WithArgs(int64(2048)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RecordApproxDBBytes(context.Background(), 2048)
	if err == nil {
		t.Fatal("RecordApproxDBBytes() error = nil, want not-found")
	}
}
