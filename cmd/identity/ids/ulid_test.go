package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID_SortsWithinOneMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != ulid.EncodedSize {
			t.Fatalf("len=%d want %d", len(id), ulid.EncodedSize)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		prev = id
	}

	parsed, err := ulid.Parse(prev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now) {
		t.Fatalf("timestamp=%v want %v", got, now)
	}
}
