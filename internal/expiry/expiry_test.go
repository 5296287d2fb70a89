package expiry

import (
	"testing"
	"time"
)

func TestIsExpiredOptionBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{
			name: "exactly at buffer boundary is expired",
			now:  time.Date(2025, time.November, 10, 8, 5, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "one second before buffer boundary is not expired",
			now:  time.Date(2025, time.November, 10, 8, 4, 59, 0, time.UTC),
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := IsExpired("ETH-10NOV25-3100-C", tc.now, DefaultBuffer)
			if got != tc.want {
				t.Errorf("IsExpired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsExpiredFutureFormat(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.December, 27, 9, 0, 0, 0, time.UTC)
	if !IsExpired("BTC-27DEC25", now, DefaultBuffer) {
		t.Error("expected BTC-27DEC25 to be expired at 09:00 UTC on settlement day")
	}
}

func TestIsExpiredUnparseableIsConservative(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	if IsExpired("not-a-real-instrument", now, DefaultBuffer) {
		t.Error("unparseable instrument names must never be reported expired")
	}
}

func TestParseSettlement(t *testing.T) {
	t.Parallel()
	got, ok := ParseSettlement("BTC-29NOV24-100000-C")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	want := time.Date(2024, time.November, 29, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseSettlement() = %v, want %v", got, want)
	}
}

func TestNextExpiry(t *testing.T) {
	t.Parallel()
	names := []string{
		"BTC-29NOV24-100000-C",
		"BTC-27DEC24-100000-C",
		"not-parseable",
		"ETH-10NOV24-3100-P",
	}

	next, ok := NextExpiry(names)
	if !ok {
		t.Fatal("expected at least one parseable instrument")
	}
	want := time.Date(2024, time.November, 10, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextExpiry() = %v, want %v", next, want)
	}
}

func TestNextExpiryAllUnparseable(t *testing.T) {
	t.Parallel()
	_, ok := NextExpiry([]string{"garbage", "also-garbage"})
	if ok {
		t.Error("expected ok=false when nothing parses")
	}
}
