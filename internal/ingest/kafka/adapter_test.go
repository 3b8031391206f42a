package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]string
	failN   int
	waitCh  chan struct{}
}

func (s *stubSink) WriteFile(lines []string) (string, error) {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return "", errors.New("disk full")
	}
	s.batches = append(s.batches, append([]string(nil), lines...))
	return "batch.log", nil
}

func (s *stubSink) snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

type commitLog struct {
	mu      sync.Mutex
	offsets []int64
	ch      chan struct{}
}

func (c *commitLog) commit(_ context.Context, rs ...*kgo.Record) error {
	c.mu.Lock()
	for _, r := range rs {
		c.offsets = append(c.offsets, r.Offset)
	}
	c.mu.Unlock()
	if c.ch != nil {
		c.ch <- struct{}{}
	}
	return nil
}

func (c *commitLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offsets)
}

func testAdapter(cfg Config, sink Sink, commits *commitLog) *Adapter {
	cfg.withDefaults()
	a := newAdapter(cfg, sink, zap.NewNop())
	a.commitRecords = commits.commit
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	a.retryPolicy = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return a
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"provlog"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ParseMode != ParseModeLines {
		t.Fatalf("default parse mode = %q", cfg.ParseMode)
	}

	bad := cfg
	bad.Auth.SASL = SASLConfig{Enabled: true, Mechanism: "GSSAPI", Username: "u"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unsupported mechanism error")
	}
	bad.Auth.SASL = SASLConfig{Enabled: true, Mechanism: SASLScramSHA512}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected missing username error")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}

func TestSASLMechanismNames(t *testing.T) {
	cases := map[string]string{SASLPlain: "PLAIN", SASLScramSHA256: "SCRAM-SHA-256", SASLScramSHA512: "SCRAM-SHA-512"}
	for mech, want := range cases {
		if got := saslMechanism(SASLConfig{Mechanism: mech, Username: "u", Password: "p"}).Name(); got != want {
			t.Fatalf("mechanism %s name = %s", mech, got)
		}
	}
}

func TestLinesOfSplitsRawAndEnvelopeMessages(t *testing.T) {
	a := testAdapter(Config{}, &stubSink{}, &commitLog{})
	lines, err := a.linesOf(&kgo.Record{Value: []byte("1|DLX|p|1|2|3\r\n\n2|DLX|p|1|2|3\n")})
	if err != nil || len(lines) != 2 || lines[0] != "1|DLX|p|1|2|3" {
		t.Fatalf("raw lines = %q, %v", lines, err)
	}

	a.cfg.ParseMode = ParseModeJSON
	lines, err = a.linesOf(&kgo.Record{Value: []byte(`{"node":"n1","lines":["1|DLX|p|1|2|3"," "]}`)})
	if err != nil || len(lines) != 1 {
		t.Fatalf("envelope lines = %q, %v", lines, err)
	}
	if _, err := a.linesOf(&kgo.Record{Value: []byte(`{`)}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOffsetCommitOnlyAfterSpoolWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	sink := &stubSink{waitCh: wait}
	commits := &commitLog{ch: make(chan struct{}, 1)}
	a := testAdapter(Config{Topics: []string{"provlog"}, BatchLines: 1}, sink, commits)

	go a.runBatcher(ctx)
	a.records <- &kgo.Record{Topic: "provlog", Offset: 1, Value: []byte("1|DLX|p|1|2|3")}

	select {
	case <-commits.ch:
		t.Fatalf("offset committed before the spool file was written")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-commits.ch:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after spool write")
	}
	if got := sink.snapshot(); len(got) != 1 || got[0][0] != "1|DLX|p|1|2|3" {
		t.Fatalf("unexpected batches: %q", got)
	}
}

func TestBatchFlushesOnIntervalAndQueueClose(t *testing.T) {
	sink := &stubSink{}
	commits := &commitLog{}
	a := testAdapter(Config{BatchLines: 100, FlushInterval: 20 * time.Millisecond}, sink, commits)
	done := make(chan struct{})
	go func() {
		a.runBatcher(context.Background())
		close(done)
	}()

	a.records <- &kgo.Record{Offset: 1, Value: []byte("a\nb")}
	a.records <- &kgo.Record{Offset: 2, Value: []byte("c")}
	deadline := time.After(time.Second)
	for commits.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("interval flush did not happen")
		case <-time.After(5 * time.Millisecond):
		}
	}
	total := 0
	for _, b := range sink.snapshot() {
		total += len(b)
	}
	if total != 3 {
		t.Fatalf("expected 3 spooled lines, got %d", total)
	}

	a.records <- &kgo.Record{Offset: 3, Value: []byte("d")}
	close(a.records)
	<-done
	if commits.count() != 3 {
		t.Fatalf("queue close must flush the tail, commits=%d", commits.count())
	}
}

func TestSpoolFailureIsRetriedBeforeCommit(t *testing.T) {
	sink := &stubSink{failN: 2}
	commits := &commitLog{ch: make(chan struct{}, 1)}
	a := testAdapter(Config{BatchLines: 1}, sink, commits)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runBatcher(ctx)

	a.records <- &kgo.Record{Offset: 9, Value: []byte("x")}
	select {
	case <-commits.ch:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after retries")
	}
	if len(sink.snapshot()) != 1 {
		t.Fatalf("expected exactly one durable batch")
	}
}

func TestUndecodableMessageIsCommittedWithoutWrite(t *testing.T) {
	sink := &stubSink{}
	commits := &commitLog{ch: make(chan struct{}, 1)}
	a := testAdapter(Config{BatchLines: 1, ParseMode: ParseModeJSON, FlushInterval: 10 * time.Millisecond}, sink, commits)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runBatcher(ctx)

	a.records <- &kgo.Record{Offset: 4, Value: []byte("not json")}
	select {
	case <-commits.ch:
	case <-time.After(time.Second):
		t.Fatalf("poison message must not block the partition")
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("nothing should be spooled")
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := &Adapter{cfg: Config{Topics: []string{"provlog"}}, records: make(chan *kgo.Record, 2)}
	paused := 0
	resumed := 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	a.records <- &kgo.Record{}
	a.records <- &kgo.Record{}
	a.maybePause()
	if paused != 1 {
		t.Fatalf("expected pause, got %d", paused)
	}
	<-a.records
	a.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}
