package timesvc

import (
	"testing"
	"time"
)

func TestNTPTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 500_000_000, time.UTC)
	buf := make([]byte, 8)
	putNTPTime(buf, now)
	got := ntpTime(buf)
	if got.Unix() != now.Unix() {
		t.Fatalf("expected second %d, got %d", now.Unix(), got.Unix())
	}
	diff := got.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Millisecond {
		t.Fatalf("expected sub-millisecond round trip precision, got diff %v", diff)
	}
}
