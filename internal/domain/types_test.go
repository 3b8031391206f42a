package domain

import "testing"

func TestToRowCopiesVariantFields(t *testing.T) {
	d := Delivery{
		Common:       Common{EventTimeMs: 1700000000000, PublishID: "p1", FeedID: 17},
		Request:      Request{RequestURI: "/deliver/17", Method: "PUT", ContentType: "text/plain", ContentLength: 42},
		SubscriberID: 9,
		User:         "sub9",
		Result:       204,
	}
	row := ToRow(d)
	if row.Type != TypeDelivery || row.SubscriberID != 9 || row.Result != 204 || row.ContentLength != 42 {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.Status != "" || row.Reason != "" {
		t.Fatalf("columns of other variants must stay empty: %+v", row)
	}
}

func TestToRowReplicatedKeepsCarriedRow(t *testing.T) {
	in := Row{Type: TypeExpiry, EventTimeMs: 5, PublishID: "p", Reason: "diskFull"}
	if got := ToRow(Replicated{ID: 3, Row: in}); got != in {
		t.Fatalf("row changed: %+v", got)
	}
}

func TestDayBoundaries(t *testing.T) {
	const day = 86400000
	cases := map[int64]int64{0: 0, day - 1: 0, day: 1, 3*day + 5: 3, -1: -1, -day: -1, -day - 1: -2}
	for ms, want := range cases {
		if got := Day(ms); got != want {
			t.Fatalf("Day(%d) = %d, want %d", ms, got, want)
		}
	}
	if DayStartMs(2) != 2*day {
		t.Fatalf("DayStartMs(2) = %d", DayStartMs(2))
	}
}

func TestExpiryReasonVocabulary(t *testing.T) {
	for _, r := range []ExpiryReason{ReasonNotRetryable, ReasonRetriesExhausted, ReasonDiskFull, ReasonOther} {
		if !r.Valid() {
			t.Fatalf("%q should be valid", r)
		}
	}
	if ExpiryReason("timeout").Valid() {
		t.Fatalf("unexpected valid reason")
	}
}
