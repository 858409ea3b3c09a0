// Package audit persists the record of every SCRAM sync operation and
// reconciliation batch, and tracks the retention policy applied to that
// history.
package audit

import "time"

// OpType identifies what kind of broker change an operation performed.
type OpType string

const (
	OpUpsert OpType = "SCRAM_UPSERT"
	OpDelete OpType = "SCRAM_DELETE"
)

// Result is the outcome of a single operation.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultError   Result = "ERROR"
	ResultSkipped Result = "SKIPPED"
)

// Source identifies what triggered a reconciliation batch.
type Source string

const (
	SourceScheduled Source = "SCHEDULED"
	SourceManual    Source = "MANUAL"
	SourceImmediate Source = "IMMEDIATE"
)

// Operation is one row of sync_operation: the outcome of applying a
// single upsert or delete to the broker for one principal.
type Operation struct {
	ID            int64
	CorrelationID string
	OccurredAt    time.Time
	Realm         string
	ClusterID     string
	Principal     string
	OpType        OpType
	Mechanism     string
	Result        Result
	ErrorCode     string
	ErrorMessage  string
	DurationMs    int64
}

// Batch is one row of sync_batch: one reconciliation run.
type Batch struct {
	ID            int64
	CorrelationID string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Source        Source
	ItemsTotal    int
	ItemsSuccess  int
	ItemsError    int
}

// RetentionState is the singleton retention_state row (id=1).
type RetentionState struct {
	MaxBytes      *int64
	MaxAgeDays    *int64
	ApproxDBBytes int64
	UpdatedAt     time.Time
}

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	CorrelationID string
	Realm         string
	Principal     string
	Result        Result
	OpType        OpType
	Since         *time.Time
	Until         *time.Time
	Page          int
	PageSize      int
}

// Summary is a rolling window view over recent operations.
type Summary struct {
	WindowStart      time.Time
	WindowEnd        time.Time
	OperationsTotal  int
	OperationsError  int
	ErrorRate        float64
	DurationP95Ms    float64
	DurationP99Ms    float64
}
