// Package sqlutil converts between Go pointer/value types and the
// database/sql Null* types used at the audit store's query boundary.
package sqlutil

import (
	"database/sql"
	"time"
)

func ToNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ToNullStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func ToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func ToNullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func FromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func FromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func FromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	i := n.Int64
	return &i
}

// StringOrEmpty returns the null string's value, or "" if not valid —
// used for fields this module always treats as plain strings, never
// pointers (ErrorCode, ErrorMessage, Mechanism).
func StringOrEmpty(n sql.NullString) string {
	if !n.Valid {
		return ""
	}
	return n.String
}
