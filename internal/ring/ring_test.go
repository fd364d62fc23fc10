package ring

import (
	"testing"

	"github.com/vmmd-project/vmmd/internal/wire"
)

func ts(sec int64) wire.Timestamp { return wire.Timestamp{Seconds: sec} }

func TestReadHistoryStrictlyAfter(t *testing.T) {
	r := New(10)
	r.Write(ts(1), "one")
	r.Write(ts(2), "two")
	r.Write(ts(3), "three")

	got := r.ReadHistory(ts(1))
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after t=1, got %d", len(got))
	}
	if got[0].Line != "two" || got[1].Line != "three" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestReadHistorySinceBeforeOldest(t *testing.T) {
	r := New(10)
	r.Write(ts(5), "a")
	r.Write(ts(6), "b")

	got := r.ReadHistory(ts(0))
	if len(got) != 2 {
		t.Fatalf("expected all entries, got %d", len(got))
	}
}

func TestReadHistoryEmptyWhenNoneQualify(t *testing.T) {
	r := New(10)
	r.Write(ts(1), "a")

	got := r.ReadHistory(ts(5))
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestOverflowKeepsMostRecentN(t *testing.T) {
	r := New(3)
	for i := int64(1); i <= 5; i++ {
		r.Write(ts(i), "line")
	}

	got := r.ReadHistory(ts(0))
	if len(got) != 3 {
		t.Fatalf("expected capacity-many entries, got %d", len(got))
	}
	wantSeconds := []int64{3, 4, 5}
	for i, e := range got {
		if e.At.Seconds != wantSeconds[i] {
			t.Errorf("entry %d: seconds = %d, want %d", i, e.At.Seconds, wantSeconds[i])
		}
	}
}

func TestDuplicateTimestampExcludedAtCursor(t *testing.T) {
	r := New(10)
	r.Write(ts(1), "a")
	r.Write(ts(1), "b")
	r.Write(ts(2), "c")

	got := r.ReadHistory(ts(1))
	if len(got) != 1 || got[0].Line != "c" {
		t.Errorf("expected only entries strictly after cursor, got %+v", got)
	}
}
