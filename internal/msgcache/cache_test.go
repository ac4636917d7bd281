package msgcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/sells-group/contact-sync/internal/model"
)

func msgsAt(times ...time.Time) []model.Message {
	out := make([]model.Message, len(times))
	for i, ts := range times {
		out[i] = model.Message{ID: fmt.Sprintf("m%d", i), From: "u1", Text: "hi", Timestamp: ts}
	}
	return out
}

func TestCache_HitBeforeTTLMissAfter(t *testing.T) {
	c := New(10, time.Hour)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	msgs := msgsAt(now.Add(-time.Minute))
	c.Put("conv1", msgs, now.Add(-time.Minute))

	if got := c.Get("conv1"); len(got) != 1 {
		t.Fatalf("expected hit before TTL, got %v", got)
	}

	now = now.Add(time.Hour) // exactly at TTL boundary: treated as absent
	if got := c.Get("conv1"); got != nil {
		t.Fatalf("expected miss at TTL, got %v", got)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCache_CapacityEvictsOldest(t *testing.T) {
	c := New(2, time.Hour)
	ts := time.Now()

	c.Put("a", msgsAt(ts), ts)
	c.Put("b", msgsAt(ts), ts)
	c.Put("c", msgsAt(ts), ts) // evicts "a"

	if c.Get("a") != nil {
		t.Error("oldest entry should have been evicted")
	}
	if c.Get("b") == nil || c.Get("c") == nil {
		t.Error("newer entries should survive eviction")
	}
}

func TestCache_PutRefreshesExisting(t *testing.T) {
	c := New(2, time.Hour)
	ts := time.Now()

	c.Put("a", msgsAt(ts), ts)
	c.Put("b", msgsAt(ts), ts)
	c.Put("a", msgsAt(ts, ts), ts) // refresh moves "a" to newest
	c.Put("c", msgsAt(ts), ts)     // evicts "b", not "a"

	if c.Get("b") != nil {
		t.Error("expected b evicted")
	}
	if got := c.Get("a"); len(got) != 2 {
		t.Errorf("expected refreshed transcript for a, got %d messages", len(got))
	}
}

func TestCache_LastMessageTime(t *testing.T) {
	c := New(4, time.Hour)
	last := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	c.Put("conv", msgsAt(last), last)

	got, ok := c.LastMessageTime("conv")
	if !ok || !got.Equal(last) {
		t.Fatalf("got (%v, %v)", got, ok)
	}
	if _, ok := c.LastMessageTime("absent"); ok {
		t.Error("expected miss for unknown conversation")
	}
}

func TestFilterNew_Differential(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := msgsAt(base.Add(-2*time.Hour), base.Add(-time.Hour), base.Add(time.Minute))

	since := base
	first := FilterNew(msgs, &since)
	if len(first) != 1 || first[0].ID != "m2" {
		t.Fatalf("expected only the delta, got %v", first)
	}

	// Idempotent: same inputs, same subset.
	second := FilterNew(msgs, &since)
	if len(second) != len(first) || second[0].ID != first[0].ID {
		t.Errorf("differential filter not idempotent: %v vs %v", first, second)
	}

	// Messages exactly at the watermark are not new.
	atMark := FilterNew(msgsAt(since), &since)
	if len(atMark) != 0 {
		t.Errorf("message at watermark should be excluded, got %v", atMark)
	}
}

func TestFilterNew_NoWatermarkReturnsAll(t *testing.T) {
	msgs := msgsAt(time.Now(), time.Now().Add(time.Second))
	if got := FilterNew(msgs, nil); len(got) != len(msgs) {
		t.Fatalf("expected full transcript, got %d of %d", len(got), len(msgs))
	}
}
