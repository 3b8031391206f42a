package storage

import (
	"context"
	"errors"

	"provlog/internal/domain"
)

var (
	// ErrUnavailable reports that no connection could be borrowed from the
	// pool. It is systemic: callers abort the current pass instead of
	// skipping the record at hand.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrConstraint reports a row rejected by the store, such as a duplicate
	// record id. It only concerns the record being written.
	ErrConstraint = errors.New("storage constraint violation")
)

// DayCount is the number of records whose timestamp falls on one UTC epoch day.
type DayCount struct {
	Day   int64
	Count int64
}

// StoredRecord is a persisted row with its identifier.
type StoredRecord struct {
	ID  uint64
	Row domain.Row
}

// Engine is the storage contract used by ingestion, retention and the
// identifier index rebuild.
type Engine interface {
	// InsertRecord writes one row under id.
	InsertRecord(ctx context.Context, id uint64, row domain.Row) error
	// CountRecords returns the number of stored rows.
	CountRecords(ctx context.Context) (int64, error)
	// DayHistogram returns per-day row counts in ascending day order. Days
	// are bucketed like domain.Day, flooring timestamps before the epoch.
	DayHistogram(ctx context.Context) ([]DayCount, error)
	// DeleteBefore removes at most limit rows with an event time before
	// beforeMs and returns how many it removed.
	DeleteBefore(ctx context.Context, beforeMs int64, limit int) (int64, error)
	// Optimize compacts the store after bulk deletes.
	Optimize(ctx context.Context) error
	// ScanIDs returns up to limit ids not lower than from, ascending.
	ScanIDs(ctx context.Context, from uint64, limit int) ([]uint64, error)
	// GetRecords returns the rows whose ids fall in [from, to], ascending.
	GetRecords(ctx context.Context, from, to uint64) ([]StoredRecord, error)
}
