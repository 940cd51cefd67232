package types

import (
	"testing"
	"time"
)

func TestDocumentIDRoundTrip(t *testing.T) {
	id := DocumentID{Table: 10001, Internal: NewInternalID()}
	parsed, err := ParseDocumentID(id.String())
	if err != nil {
		t.Fatalf("ParseDocumentID(%q): %v", id.String(), err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: %v != %v", parsed, id)
	}
}

func TestParseDocumentIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "10001", "x;y", "10001;notbase32!!"} {
		if _, err := ParseDocumentID(s); err == nil {
			t.Errorf("ParseDocumentID(%q) should fail", s)
		}
	}
}

func TestTabletIDRoundTrip(t *testing.T) {
	id := NewTabletID()
	parsed, err := ParseTabletID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Error("round trip mismatch")
	}
}

func TestTimestampSubSaturates(t *testing.T) {
	ts := Timestamp(5)
	if got := ts.Sub(time.Hour); got != MinTimestamp {
		t.Errorf("Sub should saturate at zero, got %s", got)
	}
	now := TimestampFromTime(time.Now())
	if got := now.Sub(time.Minute); got >= now {
		t.Error("Sub should move backwards")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want func(error) bool
	}{
		{NewUserError("Bad", "bad"), IsUserError},
		{NewOCCError(nil), IsOCC},
		{NewOutOfRetentionError(1, 2), IsOutOfRetention},
		{NewRateLimitedError("TooMany", "too many"), IsRateLimited},
		{NewOverloadedError("Busy", "busy"), IsOverloaded},
		{NewLeaseLostError(), IsLeaseLost},
	}
	for _, tt := range tests {
		if !tt.want(tt.err) {
			t.Errorf("classification failed for %v", tt.err)
		}
		if IsUserError(tt.err) && !tt.want(NewUserError("Bad", "bad")) {
			t.Errorf("cross classification for %v", tt.err)
		}
	}
	if IsOCC(NewUserError("Bad", "bad")) {
		t.Error("user error must not classify as OCC")
	}
}

func TestOCCErrorCarriesConflict(t *testing.T) {
	conflict := &OCCConflict{TableName: "users", DocumentID: "10001;abc", WriteSource: "addUser", Ts: 42}
	err := NewOCCError(conflict)
	if err.Conflict == nil || err.Conflict.TableName != "users" {
		t.Error("conflict detail lost")
	}
	if err.Code != "OptimisticConcurrencyControlFailure" {
		t.Errorf("unexpected code %q", err.Code)
	}
}
