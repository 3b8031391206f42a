// Package logparse turns spooled log lines into typed records.
package logparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"provlog/internal/domain"
	"provlog/internal/rangeset"
)

// Delimiter separates the fields of a record line.
const Delimiter = "|"

var (
	// ErrInvalidRecord marks a structurally invalid line: unknown tag, wrong
	// field count or an empty subscriber list.
	ErrInvalidRecord = errors.New("invalid record")
	ErrBadNumber     = errors.New("bad number")
	ErrBadDate       = errors.New("bad date")
	// ErrBadValue marks a field outside its enumerated vocabulary.
	ErrBadValue = errors.New("bad value")
)

// InvalidRecordError describes why a line produced no records.
type InvalidRecordError struct {
	Kind  error
	Line  string
	Field string
	Err   error
}

func (e *InvalidRecordError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += " in field " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidRecordError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var fieldCounts = map[domain.RecordType]int{
	domain.TypePublish:        10,
	domain.TypeDelivery:       11,
	domain.TypeExpiry:         11,
	domain.TypePublishFailure: 11,
	domain.TypeDeliveryExtra:  6,
	domain.TypeReplicated:     19,
}

type Parser struct {
	log *zap.Logger
}

func NewParser(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log}
}

// ParseLine parses one line. A DEL line naming several subscribers yields one
// Delivery per subscriber; every other valid line yields exactly one record.
// On failure no records are returned and the error is an *InvalidRecordError.
func (p *Parser) ParseLine(line string) ([]domain.Record, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, Delimiter)
	if len(parts) < 2 {
		return nil, &InvalidRecordError{Kind: ErrInvalidRecord, Line: line, Err: fmt.Errorf("missing type tag")}
	}
	tag := domain.RecordType(parts[1])
	want, ok := fieldCounts[tag]
	if !ok {
		return nil, &InvalidRecordError{Kind: ErrInvalidRecord, Line: line, Field: "type", Err: fmt.Errorf("unknown tag %q", parts[1])}
	}
	if len(parts) != want {
		return nil, &InvalidRecordError{Kind: ErrInvalidRecord, Line: line, Err: fmt.Errorf("%s record has %d fields, want %d", tag, len(parts), want)}
	}

	f := &fields{raw: parts, line: line}
	if tag == domain.TypeReplicated {
		rec := f.replicated()
		if f.err != nil {
			return nil, f.err
		}
		return []domain.Record{rec}, nil
	}

	common := domain.Common{EventTimeMs: f.timestamp(), PublishID: parts[2], FeedID: f.num(3, "feed_id")}

	var out []domain.Record
	switch tag {
	case domain.TypePublish:
		out = []domain.Record{domain.Publish{
			Common:   common,
			Request:  f.request(4),
			SourceIP: parts[8],
			Status:   parts[9],
		}}
	case domain.TypeDelivery:
		subscribers := strings.Fields(parts[4])
		if len(subscribers) == 0 {
			return nil, &InvalidRecordError{Kind: ErrInvalidRecord, Line: line, Field: "subscriber_ids", Err: fmt.Errorf("no subscribers")}
		}
		tmpl := domain.Delivery{
			Common:  common,
			Request: f.request(5),
			User:    parts[9],
			Result:  f.num(10, "result"),
		}
		for _, sub := range subscribers {
			d := tmpl
			d.SubscriberID = f.parseInt(sub, "subscriber_ids")
			out = append(out, d)
		}
	case domain.TypeExpiry:
		reason := domain.ExpiryReason(parts[9])
		if !reason.Valid() {
			p.log.Warn("normalized unknown expiry reason",
				zap.String("reason", parts[9]),
				zap.String("normalized", string(domain.ReasonOther)),
				zap.String("line", line))
			reason = domain.ReasonOther
		}
		out = []domain.Record{domain.Expiry{
			Common:       common,
			Request:      f.request(5),
			SubscriberID: f.num(4, "subscriber_id"),
			Reason:       reason,
			Attempts:     f.num(10, "attempts"),
		}}
	case domain.TypePublishFailure:
		out = []domain.Record{domain.PublishFailure{
			Common:                common,
			Request:               f.request(4),
			ContentLengthReceived: f.num(8, "content_length_received"),
			SourceIP:              parts[9],
			Error:                 parts[10],
		}}
	case domain.TypeDeliveryExtra:
		out = []domain.Record{domain.DeliveryExtra{
			Common:                common,
			SubscriberID:          f.num(4, "subscriber_id"),
			ContentLengthReceived: f.num(5, "content_length_received"),
		}}
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// FormatReplicated renders a stored row as a LOG line carrying its id, the
// form in which records travel between replicas.
func FormatReplicated(id uint64, row domain.Row) string {
	fields := []string{
		strconv.FormatInt(row.EventTimeMs, 10),
		string(domain.TypeReplicated),
		strconv.FormatUint(id, 10),
		string(row.Type),
		row.PublishID,
		strconv.FormatInt(row.FeedID, 10),
		row.RequestURI,
		row.Method,
		row.ContentType,
		strconv.FormatInt(row.ContentLength, 10),
		strconv.FormatInt(row.SubscriberID, 10),
		row.SourceIP,
		row.User,
		row.Status,
		strconv.FormatInt(row.Result, 10),
		row.Reason,
		strconv.FormatInt(row.Attempts, 10),
		strconv.FormatInt(row.ContentLengthReceived, 10),
		row.Error,
	}
	return strings.Join(fields, Delimiter)
}

// fields reads typed values out of a split line, keeping the first error.
type fields struct {
	raw  []string
	line string
	err  error
}

func (f *fields) fail(kind error, field string, err error) {
	if f.err == nil {
		f.err = &InvalidRecordError{Kind: kind, Line: f.line, Field: field, Err: err}
	}
}

func (f *fields) timestamp() int64 {
	ms, err := strconv.ParseInt(strings.TrimSpace(f.raw[0]), 10, 64)
	if err != nil {
		f.fail(ErrBadDate, "timestamp", err)
	}
	return ms
}

func (f *fields) num(i int, name string) int64 {
	return f.parseInt(f.raw[i], name)
}

// optInt treats an empty field as zero.
func (f *fields) optInt(i int, name string) int64 {
	if strings.TrimSpace(f.raw[i]) == "" {
		return 0
	}
	return f.num(i, name)
}

func (f *fields) parseInt(s, name string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		f.fail(ErrBadNumber, name, err)
	}
	return v
}

// request reads requestURI, method, contentType and contentLength starting at i.
func (f *fields) request(i int) domain.Request {
	return domain.Request{
		RequestURI:    f.raw[i],
		Method:        f.raw[i+1],
		ContentType:   f.raw[i+2],
		ContentLength: f.num(i+3, "content_length"),
	}
}

func (f *fields) replicated() domain.Replicated {
	id, err := strconv.ParseUint(strings.TrimSpace(f.raw[2]), 10, 64)
	if err == nil && id > rangeset.MaxIndex {
		err = fmt.Errorf("record id %d out of range", id)
	}
	if err != nil {
		f.fail(ErrBadNumber, "record_id", err)
	}
	t := domain.RecordType(f.raw[3])
	if !t.Known() || t == domain.TypeReplicated {
		f.fail(ErrBadValue, "record_type", fmt.Errorf("unknown record type %q", f.raw[3]))
	}
	return domain.Replicated{
		ID: id,
		Row: domain.Row{
			Type:                  t,
			EventTimeMs:           f.timestamp(),
			PublishID:             f.raw[4],
			FeedID:                f.optInt(5, "feed_id"),
			RequestURI:            f.raw[6],
			Method:                f.raw[7],
			ContentType:           f.raw[8],
			ContentLength:         f.optInt(9, "content_length"),
			SubscriberID:          f.optInt(10, "subscriber_id"),
			SourceIP:              f.raw[11],
			User:                  f.raw[12],
			Status:                f.raw[13],
			Result:                f.optInt(14, "result"),
			Reason:                f.raw[15],
			Attempts:              f.optInt(16, "attempts"),
			ContentLengthReceived: f.optInt(17, "content_length_received"),
			Error:                 f.raw[18],
		},
	}
}
