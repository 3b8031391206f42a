// Package loader ingests spooled log files into the record store and keeps
// the in-memory index of stored identifiers.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"provlog/internal/domain"
	"provlog/internal/idpartition"
	"provlog/internal/ingest/spool"
	"provlog/internal/logparse"
	"provlog/internal/rangeset"
	"provlog/internal/retention"
	"provlog/internal/storage"
)

const (
	DefaultPollInterval = time.Second
	DefaultChunkSize    = 6_000_000
)

// State is the activity of the loader worker.
type State int32

const (
	StateIdle State = iota
	StatePruning
	StateRebuildingIndex
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePruning:
		return "pruning"
	case StateRebuildingIndex:
		return "rebuilding_index"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errDuplicate = errors.New("record already stored")

type Options struct {
	SpoolDir string
	Store    storage.Engine
	Role     idpartition.Role
	// Retention is optional; nil disables pruning.
	Retention     *retention.Policy
	PruneInterval time.Duration
	PollInterval  time.Duration
	ChunkSize     int
	Parser        *logparse.Parser
	Log           *zap.Logger
	Registerer    prometheus.Registerer
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = time.Hour
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Parser == nil {
		o.Parser = logparse.NewParser(o.Log)
	}
}

func (o Options) Validate() error {
	if o.SpoolDir == "" {
		return errors.New("loader: spool dir is required")
	}
	if o.Store == nil {
		return errors.New("loader: store is required")
	}
	return nil
}

// Engine moves spooled lines into the store. All ingestion runs on one
// worker; the index is shared with readers and replaced wholesale on rebuild.
type Engine struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics

	index     atomic.Pointer[rangeset.RangeSet]
	partition *idpartition.Partition
	state     atomic.Int32
	idle      atomic.Bool

	// worker-confined
	indexed   bool
	lastPrune time.Time
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// FileStats counts the outcome of one spool file.
type FileStats struct {
	Lines     int
	Stored    int
	Invalid   int
	Duplicate int
	Failed    int
}

func New(opts Options) (*Engine, error) {
	opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:      opts,
		log:       opts.Log.With(zap.String("component", "loader"), zap.Stringer("role", opts.Role)),
		metrics:   newMetrics(opts.Registerer),
		partition: idpartition.New(opts.Role),
		now:       time.Now,
	}
	e.index.Store(rangeset.New())
	return e, nil
}

// Start rebuilds the index and launches the worker. The worker keeps polling
// until Stop is called or ctx ends; failures are logged and retried.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("loader: already started")
	}
	if err := e.ensureIndex(ctx); err != nil {
		e.log.Error("initial index rebuild failed, retrying from worker", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	return nil
}

// Stop cancels the worker and waits for the current file to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(e.opts.PollInterval)
	defer t.Stop()
	for {
		if err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.metrics.passErrors.Inc()
			e.log.Error("loader pass aborted", zap.Error(err))
		}
		e.setState(StateIdle)
		e.idle.Store(true)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Idle reports whether the worker is waiting for new spool files.
func (e *Engine) Idle() bool { return e.idle.Load() }

func (e *Engine) State() State { return State(e.state.Load()) }

// Health reports the idle flag and the name of the current state.
func (e *Engine) Health(context.Context) (bool, string) {
	return e.Idle(), e.State().String()
}

// Index returns the live identifier index. The pointer changes on every
// rebuild; the set itself is safe for concurrent use.
func (e *Engine) Index() *rangeset.RangeSet { return e.index.Load() }

// IndexText is the text form of the live index.
func (e *Engine) IndexText() string { return e.Index().String() }

// Missing returns the identifiers held locally that peer lacks.
func (e *Engine) Missing(peer *rangeset.RangeSet) *rangeset.RangeSet {
	out := e.Index().Clone()
	out.AndNot(peer)
	return out
}

// NextID is the identifier the next locally assigned record will receive.
func (e *Engine) NextID() uint64 { return e.partition.Peek() }

// RunOnce performs a single pass: prune when due, then process every ready
// spool file in order. A returned error aborted the pass. It must not be
// called while the worker started by Start is running.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}
	files, err := spool.ReadyFiles(e.opts.SpoolDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		e.setState(StateIdle)
		e.idle.Store(true)
		return nil
	}
	e.idle.Store(false)
	defer e.setState(StateIdle)

	if e.pruneDue() {
		e.setState(StatePruning)
		res, err := e.opts.Retention.Prune(ctx, e.opts.Store)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		e.lastPrune = e.now()
		if res.Deleted > 0 {
			e.metrics.pruned.Add(float64(res.Deleted))
			if err := e.rebuild(ctx); err != nil {
				return err
			}
		}
	}

	// a started file always runs to completion
	fileCtx := context.WithoutCancel(ctx)
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.setState(StateProcessing)
		if _, err := e.processFile(fileCtx, f); err != nil {
			return fmt.Errorf("process %s: %w", f.Name, err)
		}
	}
	return nil
}

func (e *Engine) pruneDue() bool {
	if e.opts.Retention == nil {
		return false
	}
	return e.lastPrune.IsZero() || e.now().Sub(e.lastPrune) >= e.opts.PruneInterval
}

func (e *Engine) ensureIndex(ctx context.Context) error {
	if e.indexed {
		return nil
	}
	if err := e.rebuild(ctx); err != nil {
		return err
	}
	e.indexed = true
	return nil
}

// Rebuild reloads the index from the store. Like RunOnce it must not be
// called while the worker is running.
func (e *Engine) Rebuild(ctx context.Context) error {
	defer e.setState(StateIdle)
	if err := e.rebuild(ctx); err != nil {
		return err
	}
	e.indexed = true
	return nil
}

// rebuild reads every stored id in chunks into a fresh set, then swaps it in
// and moves the partition cursor.
func (e *Engine) rebuild(ctx context.Context) error {
	e.setState(StateRebuildingIndex)
	start := e.now()
	fresh := rangeset.New()
	var from uint64
	for {
		ids, err := e.opts.Store.ScanIDs(ctx, from, e.opts.ChunkSize)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		addRuns(fresh, ids)
		if len(ids) < e.opts.ChunkSize || ids[len(ids)-1] >= rangeset.MaxIndex {
			break
		}
		from = ids[len(ids)-1] + 1
	}
	e.index.Store(fresh)
	e.partition.Reset(fresh)

	elapsed := e.now().Sub(start)
	e.metrics.rebuild.Observe(elapsed.Seconds())
	e.metrics.cardinality.Set(float64(fresh.Cardinality()))
	e.log.Info("index rebuilt",
		zap.Uint64("cardinality", fresh.Cardinality()),
		zap.Int("intervals", fresh.IntervalCount()),
		zap.Uint64("next_id", e.partition.Peek()),
		zap.Duration("elapsed", elapsed))
	return nil
}

// addRuns sets ascending ids, one range per consecutive run.
func addRuns(s *rangeset.RangeSet, ids []uint64) {
	for i := 0; i < len(ids); {
		j := i + 1
		for j < len(ids) && ids[j] == ids[j-1]+1 {
			j++
		}
		s.SetRange(ids[i], ids[j-1]+1)
		i = j
	}
}

// processFile stores the lines of one spool file and removes it. The file is
// removed even when a storage outage aborts it part way, so lines already
// stored are never stored twice. The outage is returned to end the pass.
func (e *Engine) processFile(ctx context.Context, f spool.File) (FileStats, error) {
	var stats FileStats
	log := e.log.With(zap.String("file", f.Name))

	r, err := spool.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}
		log.Error("cannot open spool file", zap.Error(err))
		e.remove(f, log)
		return stats, nil
	}
	readErr := spool.EachLine(r, func(line string, lineErr error) error {
		if lineErr != nil {
			stats.Lines++
			stats.Invalid++
			e.metrics.lines.WithLabelValues(resultInvalid).Inc()
			log.Warn("invalid record line", zap.Error(lineErr))
			return nil
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
		stats.Lines++
		result, err := e.processLine(ctx, line, log)
		e.metrics.lines.WithLabelValues(result).Inc()
		switch result {
		case resultStored:
			stats.Stored++
		case resultInvalid:
			stats.Invalid++
		case resultDuplicate:
			stats.Duplicate++
		case resultFailed:
			stats.Failed++
		}
		return err
	})
	_ = r.Close()
	outage := errors.Is(readErr, storage.ErrUnavailable)
	if readErr != nil && !outage {
		log.Error("spool file read stopped early", zap.Error(readErr))
	}

	e.remove(f, log)
	e.metrics.files.Inc()
	fields := []zap.Field{
		zap.Int("succeeded", stats.Stored),
		zap.Int("total", stats.Lines),
		zap.Int("invalid", stats.Invalid),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("failed", stats.Failed),
	}
	if outage {
		log.Error("spool file aborted by storage outage", append(fields, zap.Error(readErr))...)
		return stats, readErr
	}
	log.Info("spool file processed", fields...)
	return stats, nil
}

func (e *Engine) remove(f spool.File, log *zap.Logger) {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error("cannot remove spool file", zap.Error(err))
	}
}

// processLine returns the line outcome and a non-nil error only for
// systemic storage failures.
func (e *Engine) processLine(ctx context.Context, line string, log *zap.Logger) (string, error) {
	recs, err := e.opts.Parser.ParseLine(line)
	if err != nil {
		log.Warn("invalid record line", zap.String("line", line), zap.Error(err))
		return resultInvalid, nil
	}
	result := resultStored
	for _, rec := range recs {
		err := e.storeRecord(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, errDuplicate):
			log.Info("duplicate replicated record skipped", zap.String("line", line))
			if result == resultStored {
				result = resultDuplicate
			}
		case errors.Is(err, storage.ErrUnavailable):
			return resultFailed, err
		default:
			log.Error("record not stored", zap.String("line", line), zap.Error(err))
			result = resultFailed
		}
	}
	return result, nil
}

// storeRecord inserts one record. A local record consumes its identifier
// even when the insert fails, and a replicated identifier above the cursor
// does not move it; after a partition wraparound the cursor may hand out an
// identifier that is still stored, which then fails as a constraint error.
func (e *Engine) storeRecord(ctx context.Context, rec domain.Record) error {
	index := e.Index()
	if rep, ok := rec.(domain.Replicated); ok {
		if index.Get(rep.ID) {
			return fmt.Errorf("%w: id %d", errDuplicate, rep.ID)
		}
		if err := e.opts.Store.InsertRecord(ctx, rep.ID, rep.Row); err != nil {
			return err
		}
		index.Set(rep.ID)
		return nil
	}
	id := e.partition.NextAssignable()
	if err := e.opts.Store.InsertRecord(ctx, id, domain.ToRow(rec)); err != nil {
		return err
	}
	index.Set(id)
	return nil
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}
