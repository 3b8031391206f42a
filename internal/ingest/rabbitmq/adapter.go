// Package rabbitmq lands record lines delivered through RabbitMQ in the spool.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ParseModeLines = "lines"
	ParseModeJSON  = "json_envelope"
)

// Sink makes a batch of lines durable.
type Sink interface {
	WriteFile(lines []string) (string, error)
}

type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Endpoints     []string      `mapstructure:"endpoints"`
	Exchange      string        `mapstructure:"exchange"`
	Queue         string        `mapstructure:"queue"`
	RoutingKeys   []string      `mapstructure:"routing_keys"`
	ConsumerTag   string        `mapstructure:"consumer_tag"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	ManualAck     bool          `mapstructure:"manual_ack"`
	TLS           TLSConfig     `mapstructure:"tls"`
	Auth          AuthConfig    `mapstructure:"auth"`
	Parser        ParserConfig  `mapstructure:"parser"`
	DeliveryQueue int           `mapstructure:"delivery_queue"`
	BatchLines    int           `mapstructure:"batch_lines"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ParserConfig struct {
	// Mode is the body format; a delivery whose content type is
	// application/json is always read as an envelope.
	Mode string `mapstructure:"mode"`
}

type Adapter struct {
	cfg      Config
	log      *zap.Logger
	sink     Sink
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan amqp091.Delivery
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup

	retryPolicy func() backoff.BackOff
}

// envelopePayload is the JSON body used by nodes that wrap their lines.
type envelopePayload struct {
	Node  string   `json:"node"`
	Lines []string `json:"lines"`
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "provlog-rabbitmq"
	}
	if c.Parser.Mode == "" {
		c.Parser.Mode = ParseModeLines
	}
	if c.BatchLines <= 0 {
		c.BatchLines = 10_000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.Parser.Mode != ParseModeLines && c.Parser.Mode != ParseModeJSON {
		return fmt.Errorf("unsupported rabbitmq parser mode %q", c.Parser.Mode)
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, sink Sink, log *zap.Logger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:    cfg,
		log:    log.With(zap.String("component", "rabbitmq_intake")),
		sink:   sink,
		closed: make(chan struct{}),
		ops:    make(chan amqp091.Delivery, cfg.DeliveryQueue),
		retryPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(2)
	go a.readLoop(ctx)
	go a.batchLoop(ctx)
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.ops)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			select {
			case a.ops <- d:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

// batchLoop acks deliveries only once their lines are in a durable spool
// file. Deliveries still pending at shutdown are requeued.
func (a *Adapter) batchLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	b := &batch{}
	defer func() { a.requeue(b) }()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-a.ops:
			if !ok {
				a.flush(ctx, b)
				return
			}
			if a.add(b, d) {
				a.flush(ctx, b)
			}
		case <-ticker.C:
			a.flush(ctx, b)
		}
	}
}

type batch struct {
	deliveries []amqp091.Delivery
	lines      []string
}

// add appends the lines of d to b and reports whether b is full.
// Undecodable deliveries are rejected without requeue.
func (a *Adapter) add(b *batch, d amqp091.Delivery) bool {
	lines, err := a.parseDelivery(d)
	if err != nil {
		a.log.Warn("undecodable rabbitmq delivery rejected",
			zap.String("routing_key", d.RoutingKey), zap.Uint64("tag", d.DeliveryTag),
			zap.String("node", headerString(d.Headers, "node")), zap.Error(err))
		_ = d.Nack(false, false)
		return false
	}
	b.deliveries = append(b.deliveries, d)
	b.lines = append(b.lines, lines...)
	return len(b.lines) >= a.cfg.BatchLines
}

func (a *Adapter) flush(ctx context.Context, b *batch) {
	if len(b.deliveries) == 0 {
		return
	}
	if len(b.lines) > 0 {
		err := backoff.RetryNotify(func() error {
			_, err := a.sink.WriteFile(b.lines)
			return err
		}, backoff.WithContext(a.retryPolicy(), ctx), func(err error, wait time.Duration) {
			a.log.Warn("spool write failed, retrying", zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			a.log.Warn("spool flush abandoned", zap.Int("deliveries", len(b.deliveries)), zap.Error(err))
			return
		}
	}
	for _, d := range b.deliveries {
		_ = d.Ack(false)
	}
	b.deliveries, b.lines = nil, nil
}

func (a *Adapter) requeue(b *batch) {
	for _, d := range b.deliveries {
		_ = d.Nack(false, true)
	}
	b.deliveries, b.lines = nil, nil
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) ([]string, error) {
	var raw []string
	if a.cfg.Parser.Mode == ParseModeJSON || d.ContentType == "application/json" {
		var msg envelopePayload
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal delivery body: %w", err)
		}
		raw = msg.Lines
	} else {
		raw = strings.Split(string(d.Body), "\n")
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

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
