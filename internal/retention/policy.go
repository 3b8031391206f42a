// Package retention bounds the number of stored records by deleting the
// oldest whole days once a configured threshold is exceeded.
package retention

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"provlog/internal/domain"
	"provlog/internal/storage"
)

const (
	DefaultThreshold int64 = 10_000_000
	// MinThreshold is the lowest accepted threshold; smaller values fall
	// back to DefaultThreshold.
	MinThreshold     int64 = 1_000_000
	DefaultBatchSize       = 1_000_000
)

// ParseThreshold reads the configured record-count threshold. Absent,
// malformed and below-floor values yield DefaultThreshold and are logged at
// debug level.
func ParseThreshold(raw string, log *zap.Logger) int64 {
	if log == nil {
		log = zap.NewNop()
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultThreshold
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Debug("unparseable retention threshold, using default",
			zap.String("value", raw), zap.Int64("default", DefaultThreshold), zap.Error(err))
		return DefaultThreshold
	}
	if n < MinThreshold {
		log.Debug("retention threshold below floor, using default",
			zap.Int64("value", n), zap.Int64("floor", MinThreshold), zap.Int64("default", DefaultThreshold))
		return DefaultThreshold
	}
	return n
}

// Cutoff returns the smallest day whose cumulative count, over the days at
// or before it, reaches toRemove. hist must be in ascending day order. ok is
// false when toRemove is not positive or hist is empty; when the whole
// histogram falls short the last day is returned.
func Cutoff(hist []storage.DayCount, toRemove int64) (day int64, ok bool) {
	if toRemove <= 0 || len(hist) == 0 {
		return 0, false
	}
	var sum int64
	for _, dc := range hist {
		sum += dc.Count
		if sum >= toRemove {
			return dc.Day, true
		}
	}
	return hist[len(hist)-1].Day, true
}

// Policy deletes old records from a store.
type Policy struct {
	Threshold int64
	BatchSize int
	Log       *zap.Logger
}

func New(threshold int64, batchSize int, log *zap.Logger) *Policy {
	if threshold < MinThreshold {
		threshold = DefaultThreshold
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{Threshold: threshold, BatchSize: batchSize, Log: log}
}

// Result describes one Prune call.
type Result struct {
	Total    int64
	Cutoff   int64
	BeforeMs int64
	Deleted  int64
}

// Prune deletes records timestamped before the day following the cutoff
// day, in batches of at most BatchSize rows, until the removal target is met
// or a batch removes nothing. Any deletion is followed by Optimize.
func (p *Policy) Prune(ctx context.Context, store storage.Engine) (Result, error) {
	var res Result
	total, err := store.CountRecords(ctx)
	if err != nil {
		return res, fmt.Errorf("count records: %w", err)
	}
	res.Total = total
	if total <= p.Threshold {
		return res, nil
	}
	toRemove := total - p.Threshold

	hist, err := store.DayHistogram(ctx)
	if err != nil {
		return res, fmt.Errorf("day histogram: %w", err)
	}
	cutoff, ok := Cutoff(hist, toRemove)
	if !ok {
		return res, nil
	}
	res.Cutoff = cutoff
	res.BeforeMs = domain.DayStartMs(cutoff + 1)

	for res.Deleted < toRemove {
		n, err := store.DeleteBefore(ctx, res.BeforeMs, p.BatchSize)
		if err != nil {
			return res, fmt.Errorf("delete before %d: %w", res.BeforeMs, err)
		}
		if n == 0 {
			break
		}
		res.Deleted += n
		p.Log.Debug("retention batch deleted", zap.Int64("rows", n), zap.Int64("deleted", res.Deleted))
	}
	if res.Deleted == 0 {
		return res, nil
	}
	if err := store.Optimize(ctx); err != nil {
		return res, fmt.Errorf("optimize: %w", err)
	}
	p.Log.Info("pruned records",
		zap.Int64("total", total),
		zap.Int64("threshold", p.Threshold),
		zap.Int64("cutoff_day", cutoff),
		zap.Int64("deleted", res.Deleted))
	return res, nil
}
