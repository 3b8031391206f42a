package domain

import "time"

// RecordType is the three letter tag that selects a record variant.
type RecordType string

const (
	TypePublish        RecordType = "PUB"
	TypeDelivery       RecordType = "DEL"
	TypeExpiry         RecordType = "EXP"
	TypePublishFailure RecordType = "PBF"
	TypeDeliveryExtra  RecordType = "DLX"
	TypeReplicated     RecordType = "LOG"
)

// Known reports whether t is one of the record tags written to storage.
func (t RecordType) Known() bool {
	switch t {
	case TypePublish, TypeDelivery, TypeExpiry, TypePublishFailure, TypeDeliveryExtra, TypeReplicated:
		return true
	}
	return false
}

// ExpiryReason explains why a delivery was abandoned.
type ExpiryReason string

const (
	ReasonNotRetryable     ExpiryReason = "notRetryable"
	ReasonRetriesExhausted ExpiryReason = "retriesExhausted"
	ReasonDiskFull         ExpiryReason = "diskFull"
	ReasonOther            ExpiryReason = "other"
)

// Valid reports whether r is in the expiry reason vocabulary.
func (r ExpiryReason) Valid() bool {
	switch r {
	case ReasonNotRetryable, ReasonRetriesExhausted, ReasonDiskFull, ReasonOther:
		return true
	}
	return false
}

// Record is one journaled event. The set of implementations is closed:
// Publish, Delivery, Expiry, PublishFailure, DeliveryExtra and Replicated.
type Record interface {
	Type() RecordType
	EventTime() time.Time
	isRecord()
}

// Common carries the fields every variant has.
type Common struct {
	EventTimeMs int64
	PublishID   string
	FeedID      int64
}

func (c Common) EventTime() time.Time { return time.UnixMilli(c.EventTimeMs).UTC() }

// Request describes the HTTP exchange a record refers to.
type Request struct {
	RequestURI    string
	Method        string
	ContentType   string
	ContentLength int64
}

type Publish struct {
	Common
	Request
	SourceIP string
	Status   string
}

// Delivery is the delivery of a publication to exactly one subscription.
type Delivery struct {
	Common
	Request
	SubscriberID int64
	User         string
	Result       int64
}

type Expiry struct {
	Common
	Request
	SubscriberID int64
	Reason       ExpiryReason
	Attempts     int64
}

type PublishFailure struct {
	Common
	Request
	ContentLengthReceived int64
	SourceIP              string
	Error                 string
}

type DeliveryExtra struct {
	Common
	SubscriberID          int64
	ContentLengthReceived int64
}

// Replicated is a record that already carries its identifier, either because
// a peer replica assigned it or because it comes from a historical export.
type Replicated struct {
	ID  uint64
	Row Row
}

func (Publish) Type() RecordType        { return TypePublish }
func (Delivery) Type() RecordType       { return TypeDelivery }
func (Expiry) Type() RecordType         { return TypeExpiry }
func (PublishFailure) Type() RecordType { return TypePublishFailure }
func (DeliveryExtra) Type() RecordType  { return TypeDeliveryExtra }
func (Replicated) Type() RecordType     { return TypeReplicated }

func (r Replicated) EventTime() time.Time { return time.UnixMilli(r.Row.EventTimeMs).UTC() }

func (Publish) isRecord()        {}
func (Delivery) isRecord()       {}
func (Expiry) isRecord()         {}
func (PublishFailure) isRecord() {}
func (DeliveryExtra) isRecord()  {}
func (Replicated) isRecord()     {}

// Row is the persisted shape shared by every record variant. Columns that do
// not apply to a variant hold their zero value.
type Row struct {
	Type                  RecordType
	EventTimeMs           int64
	PublishID             string
	FeedID                int64
	RequestURI            string
	Method                string
	ContentType           string
	ContentLength         int64
	SubscriberID          int64
	SourceIP              string
	User                  string
	Status                string
	Result                int64
	Reason                string
	Attempts              int64
	ContentLengthReceived int64
	Error                 string
}

// ToRow flattens a record into its storage row. For Replicated records the
// carried row is returned unchanged.
func ToRow(rec Record) Row {
	switch r := rec.(type) {
	case Publish:
		row := baseRow(r.Common, r.Request, TypePublish)
		row.SourceIP, row.Status = r.SourceIP, r.Status
		return row
	case Delivery:
		row := baseRow(r.Common, r.Request, TypeDelivery)
		row.SubscriberID, row.User, row.Result = r.SubscriberID, r.User, r.Result
		return row
	case Expiry:
		row := baseRow(r.Common, r.Request, TypeExpiry)
		row.SubscriberID, row.Reason, row.Attempts = r.SubscriberID, string(r.Reason), r.Attempts
		return row
	case PublishFailure:
		row := baseRow(r.Common, r.Request, TypePublishFailure)
		row.ContentLengthReceived, row.SourceIP, row.Error = r.ContentLengthReceived, r.SourceIP, r.Error
		return row
	case DeliveryExtra:
		row := baseRow(r.Common, Request{}, TypeDeliveryExtra)
		row.SubscriberID, row.ContentLengthReceived = r.SubscriberID, r.ContentLengthReceived
		return row
	case Replicated:
		return r.Row
	default:
		panic("domain: unknown record variant")
	}
}

func baseRow(c Common, req Request, t RecordType) Row {
	return Row{
		Type:          t,
		EventTimeMs:   c.EventTimeMs,
		PublishID:     c.PublishID,
		FeedID:        c.FeedID,
		RequestURI:    req.RequestURI,
		Method:        req.Method,
		ContentType:   req.ContentType,
		ContentLength: req.ContentLength,
	}
}

// Day returns the UTC epoch day of an epoch millisecond timestamp.
func Day(eventTimeMs int64) int64 {
	const msPerDay = int64(24 * time.Hour / time.Millisecond)
	d := eventTimeMs / msPerDay
	if eventTimeMs%msPerDay < 0 {
		d--
	}
	return d
}

// DayStartMs returns the first epoch millisecond of an epoch day.
func DayStartMs(day int64) int64 {
	return day * int64(24*time.Hour/time.Millisecond)
}
