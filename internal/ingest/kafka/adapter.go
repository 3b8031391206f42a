// Package kafka lands record lines consumed from Kafka topics in the spool.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"
)

const (
	ParseModeLines = "lines"
	ParseModeJSON  = "json_envelope"

	SASLPlain       = "PLAIN"
	SASLScramSHA256 = "SCRAM-SHA-256"
	SASLScramSHA512 = "SCRAM-SHA-512"
)

// Sink makes a batch of lines durable.
type Sink interface {
	WriteFile(lines []string) (string, error)
}

type Config struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topics         []string `mapstructure:"topics"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
	MaxPollRecords int      `mapstructure:"max_poll_records"`
	QueueCapacity  int      `mapstructure:"queue_capacity"`
	// BatchLines and FlushInterval bound how long consumed lines wait before
	// they are written to the spool.
	BatchLines    int           `mapstructure:"batch_lines"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	ParseMode     string        `mapstructure:"parse_mode"`
	Auth          AuthConfig    `mapstructure:"auth"`
	Fetch         FetchConfig   `mapstructure:"fetch"`
}

type AuthConfig struct {
	SASL SASLConfig `mapstructure:"sasl"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// jsonEnvelope is the message shape used by nodes that wrap their lines.
type jsonEnvelope struct {
	Node  string   `json:"node"`
	Lines []string `json:"lines"`
}

type Adapter struct {
	cfg Config
	log *zap.Logger

	client  *kgo.Client
	sink    Sink
	records chan *kgo.Record
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	commitRecords func(context.Context, ...*kgo.Record) error
	pauseFetch    func(...string)
	resumeFetch   func(...string)
	retryPolicy   func() backoff.BackOff
}

func NewAdapter(cfg Config, sink Sink, log *zap.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(saslMechanism(cfg.Auth.SASL)))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, sink, log)
	a.client = cl
	a.commitRecords = func(ctx context.Context, rs ...*kgo.Record) error { return cl.CommitRecords(ctx, rs...) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, sink Sink, log *zap.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		log:     log.With(zap.String("component", "kafka_intake")),
		sink:    sink,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		retryPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func saslMechanism(c SASLConfig) sasl.Mechanism {
	switch c.Mechanism {
	case SASLScramSHA256:
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha256Mechanism()
	case SASLScramSHA512:
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha512Mechanism()
	default:
		return plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()
	}
}

func (c *Config) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.BatchLines <= 0 {
		c.BatchLines = 10_000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeLines
	}
	if c.Auth.SASL.Mechanism == "" {
		c.Auth.SASL.Mechanism = SASLPlain
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.ParseMode != ParseModeLines && c.ParseMode != ParseModeJSON {
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	if c.Auth.SASL.Enabled {
		switch c.Auth.SASL.Mechanism {
		case SASLPlain, SASLScramSHA256, SASLScramSHA512:
		default:
			return fmt.Errorf("unsupported sasl mechanism %q", c.Auth.SASL.Mechanism)
		}
		if c.Auth.SASL.Username == "" {
			return errors.New("kafka.auth.sasl.username is required")
		}
	}
	return nil
}

// Start consumes until ctx ends. Offsets are committed only once the lines
// of the consumed records sit in a durable spool file.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runBatcher(ctx)
	}()

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			close(a.records)
			wg.Wait()
			return errs[0].Err
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			a.enqueue(ctx, rec)
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) Close() {
	a.closed.Store(true)
}

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// runBatcher accumulates lines and flushes them when the batch is full, on
// every flush interval and when the record queue closes.
func (a *Adapter) runBatcher(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	var (
		pending []*kgo.Record
		lines   []string
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := a.flush(ctx, lines); err != nil {
			a.log.Warn("spool flush abandoned, offsets left uncommitted", zap.Int("records", len(pending)), zap.Error(err))
			return
		}
		if err := a.commitRecords(ctx, pending...); err != nil {
			a.log.Warn("offset commit failed", zap.Int("records", len(pending)), zap.Error(err))
		}
		pending, lines = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-a.records:
			if !ok {
				flush()
				return
			}
			a.maybeResume()
			recLines, err := a.linesOf(rec)
			if err != nil {
				a.log.Warn("undecodable kafka message dropped",
					zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition),
					zap.Int64("offset", rec.Offset), zap.Error(err))
			}
			pending = append(pending, rec)
			lines = append(lines, recLines...)
			if len(lines) >= a.cfg.BatchLines {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush writes lines, retrying until the sink accepts them or ctx ends. A
// batch made only of dropped messages writes nothing.
func (a *Adapter) flush(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return backoff.RetryNotify(func() error {
		path, err := a.sink.WriteFile(lines)
		if err == nil {
			a.log.Debug("spooled kafka batch", zap.String("file", path), zap.Int("lines", len(lines)))
		}
		return err
	}, backoff.WithContext(a.retryPolicy(), ctx), func(err error, wait time.Duration) {
		a.log.Warn("spool write failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
}

func (a *Adapter) linesOf(rec *kgo.Record) ([]string, error) {
	var raw []string
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		var env jsonEnvelope
		if err := json.Unmarshal(rec.Value, &env); err != nil {
			return nil, fmt.Errorf("parse json envelope: %w", err)
		}
		raw = env.Lines
	default:
		raw = strings.Split(string(rec.Value), "\n")
	}
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r\n")
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
