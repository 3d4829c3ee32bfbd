package httpdate

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 1700000000, 1234567890}
	for _, sec := range cases {
		d := FromUnix(sec)
		got := Parse(d.String())
		if got.Unix(-1) != sec {
			t.Fatalf("round trip broke for %d: got %d via %q", sec, got.Unix(-1), d.String())
		}
	}
}

func TestParseAcceptsAllThreeLayouts(t *testing.T) {
	ref := time.Date(1994, time.November, 6, 8, 49, 37, 0, time.UTC)
	inputs := []string{
		"Sun, 06 Nov 1994 08:49:37 GMT",
		"Sunday, 06-Nov-94 08:49:37 GMT",
		"Sun Nov  6 08:49:37 1994",
	}
	for _, in := range inputs {
		d := Parse(in)
		if !d.IsSet() {
			t.Fatalf("failed to parse %q", in)
		}
		if !d.Time().Equal(ref) {
			t.Fatalf("parsed %q as %v, want %v", in, d.Time(), ref)
		}
	}
}

func TestUnsetDate(t *testing.T) {
	var d Date
	if d.IsSet() {
		t.Fatal("zero value Date should be unset")
	}
	if d.String() != "" {
		t.Fatalf("unset date should format empty, got %q", d.String())
	}
	if Parse("garbage").IsSet() {
		t.Fatal("garbage input should not parse")
	}
}

func TestEqualAndOrdering(t *testing.T) {
	a := FromUnix(100)
	b := FromUnix(200)
	if !a.Before(b) || b.Before(a) {
		t.Fatal("Before ordering wrong")
	}
	if !b.After(a) || a.After(b) {
		t.Fatal("After ordering wrong")
	}
	if !a.Equal(FromUnix(100)) {
		t.Fatal("Equal should hold for identical timestamps")
	}
}
