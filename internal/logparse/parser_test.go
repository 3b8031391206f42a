package logparse

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"provlog/internal/domain"
)

const (
	pubLine = "1700000000000|PUB|p1|17|/publish/17/f1|PUT|application/octet-stream|1024|10.0.0.1|OK"
	delLine = "1700000000100|DEL|p1|17|21 22|/deliver/21/f1|PUT|application/octet-stream|1024|sub|204"
	expLine = "1700000000200|EXP|p1|17|21|/deliver/21/f1|PUT|application/octet-stream|1024|retriesExhausted|12"
	pbfLine = "1700000000300|PBF|p2|17|/publish/17/f2|PUT|text/plain|2048|100|10.0.0.2|Connection reset"
	dlxLine = "1700000000400|DLX|p1|17|21|512"
)

func mustParse(t *testing.T, p *Parser, line string) []domain.Record {
	t.Helper()
	recs, err := p.ParseLine(line)
	require.NoError(t, err)
	return recs
}

func TestParsePublish(t *testing.T) {
	recs := mustParse(t, NewParser(nil), pubLine)
	require.Len(t, recs, 1)
	pub, ok := recs[0].(domain.Publish)
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), pub.EventTimeMs)
	require.Equal(t, "p1", pub.PublishID)
	require.Equal(t, int64(17), pub.FeedID)
	require.Equal(t, int64(1024), pub.ContentLength)
	require.Equal(t, "10.0.0.1", pub.SourceIP)
	require.Equal(t, "OK", pub.Status)
}

func TestParseDeliveryFansOutPerSubscriber(t *testing.T) {
	recs := mustParse(t, NewParser(nil), delLine)
	require.Len(t, recs, 2)
	first, second := recs[0].(domain.Delivery), recs[1].(domain.Delivery)
	require.Equal(t, int64(21), first.SubscriberID)
	require.Equal(t, int64(22), second.SubscriberID)

	second.SubscriberID = first.SubscriberID
	require.Equal(t, first, second, "non-subscriber fields must be identical")
	require.Equal(t, int64(204), first.Result)
	require.Equal(t, "sub", first.User)
}

func TestParseDeliveryWithoutSubscribersIsInvalid(t *testing.T) {
	_, err := NewParser(nil).ParseLine("1700000000100|DEL|p1|17|   |/d|PUT|text/plain|1|sub|204")
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestParseExpiryNormalizesUnknownReason(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := NewParser(zap.New(core))

	recs := mustParse(t, p, expLine)
	require.Equal(t, domain.ReasonRetriesExhausted, recs[0].(domain.Expiry).Reason)
	require.Zero(t, logs.Len())

	recs = mustParse(t, p, "1700000000200|EXP|p1|17|21|/d|PUT|text/plain|1|timedOut|3")
	exp := recs[0].(domain.Expiry)
	require.Equal(t, domain.ReasonOther, exp.Reason)
	require.Equal(t, int64(3), exp.Attempts)
	require.Equal(t, 1, logs.FilterMessage("normalized unknown expiry reason").Len())
}

func TestParsePublishFailureAndDeliveryExtra(t *testing.T) {
	p := NewParser(nil)
	pbf := mustParse(t, p, pbfLine)[0].(domain.PublishFailure)
	require.Equal(t, int64(100), pbf.ContentLengthReceived)
	require.Equal(t, "Connection reset", pbf.Error)

	dlx := mustParse(t, p, dlxLine)[0].(domain.DeliveryExtra)
	require.Equal(t, int64(21), dlx.SubscriberID)
	require.Equal(t, int64(512), dlx.ContentLengthReceived)
}

func TestParseReplicatedRoundTrip(t *testing.T) {
	p := NewParser(nil)
	exp := mustParse(t, p, expLine)[0]
	row := domain.ToRow(exp)

	line := FormatReplicated(72057594037927940, row)
	recs := mustParse(t, p, line)
	require.Len(t, recs, 1)
	rep, ok := recs[0].(domain.Replicated)
	require.True(t, ok)
	require.Equal(t, uint64(72057594037927940), rep.ID)
	require.Equal(t, row, rep.Row)
}

func TestParseReplicatedAllowsEmptyNumbers(t *testing.T) {
	line := "1700000000000|LOG|5|DLX|p1|17|||||21||||||||"
	recs := mustParse(t, NewParser(nil), line)
	rep := recs[0].(domain.Replicated)
	require.Equal(t, uint64(5), rep.ID)
	require.Equal(t, domain.TypeDeliveryExtra, rep.Row.Type)
	require.Equal(t, int64(21), rep.Row.SubscriberID)
	require.Zero(t, rep.Row.ContentLength)
}

func TestParseErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name string
		line string
		kind error
	}{
		{"garbage", "garbage", ErrInvalidRecord},
		{"unknown tag", "1700000000000|XYZ|a|b", ErrInvalidRecord},
		{"short publish", "1700000000000|PUB|p1|17", ErrInvalidRecord},
		{"long delivery extra", dlxLine + "|extra", ErrInvalidRecord},
		{"bad timestamp", "yesterday|DLX|p1|17|21|512", ErrBadDate},
		{"bad feed", "1700000000400|DLX|p1|seventeen|21|512", ErrBadNumber},
		{"bad subscriber", "1700000000100|DEL|p1|17|21 x|/d|PUT|text/plain|1|sub|204", ErrBadNumber},
		{"bad replicated id", "1700000000000|LOG|-1|DLX|p1|17|||||21||||||||", ErrBadNumber},
		{"bad replicated type", "1700000000000|LOG|1|FOO|p1|17|||||21||||||||", ErrBadValue},
		{"nested replicated type", "1700000000000|LOG|1|LOG|p1|17|||||21||||||||", ErrBadValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := NewParser(nil).ParseLine(tc.line)
			require.Empty(t, recs)
			require.ErrorIs(t, err, tc.kind)
			var ire *InvalidRecordError
			require.True(t, errors.As(err, &ire))
			require.Equal(t, tc.line, ire.Line)
		})
	}
}

func TestParseTrimsLineEndings(t *testing.T) {
	recs := mustParse(t, NewParser(nil), dlxLine+"\r\n")
	require.Len(t, recs, 1)
}
