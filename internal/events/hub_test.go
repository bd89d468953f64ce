// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package events

import (
	"strings"
	"testing"
	"time"
)

func TestTimestampMicrosecondPrecision(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 10, 12, 0, 0, 1500, time.UTC))
	if ts != "2026-03-10T12:00:00.000001Z" {
		t.Errorf("Timestamp = %q", ts)
	}
	// Whole seconds still carry all six fractional digits.
	ts = Timestamp(time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC))
	if !strings.HasSuffix(ts, ".000000Z") {
		t.Errorf("Timestamp = %q, want padded fraction", ts)
	}
}

func TestPublishDelivers(t *testing.T) {
	h := NewHub(10, time.Minute)
	ch, cancel := h.Subscribe(time.Time{})
	defer cancel()

	h.Publish(Event{Type: "job:completed", JobName: "full-sync", ServerID: 1})

	select {
	case e := <-ch:
		if e.Type != "job:completed" || e.ServerID != 1 {
			t.Errorf("event = %+v", e)
		}
		if e.Timestamp == "" {
			t.Error("event not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSinceReplay(t *testing.T) {
	h := NewHub(10, time.Minute)

	h.Publish(Event{Type: "old"})
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	h.Publish(Event{Type: "new"})

	ch, cancel := h.Subscribe(cutoff)
	defer cancel()

	select {
	case e := <-ch:
		if e.Type != "new" {
			t.Errorf("replayed %q, want only events after cutoff", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed event")
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestRingOverwrite(t *testing.T) {
	h := NewHub(3, time.Minute)
	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: "e", ServerID: int64(i)})
	}

	got := h.snapshotSince(time.Time{})
	if len(got) != 3 {
		t.Fatalf("snapshot has %d events, want ring size 3", len(got))
	}
	if got[0].ServerID != 2 || got[2].ServerID != 4 {
		t.Errorf("snapshot order = %v..%v, want oldest-first 2..4", got[0].ServerID, got[2].ServerID)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub(10, time.Minute)
	ch, cancel := h.Subscribe(time.Time{})
	defer cancel()

	// Never read: overflow the buffer until the hub drops the subscriber.
	for i := 0; i < subscriberBuffer+2; i++ {
		h.Publish(Event{Type: "flood"})
	}

	if n := h.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d, want slow subscriber dropped", n)
	}
	// The channel must be closed so the handler unblocks.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after drop")
		}
	}
}

func TestCancelIdempotentAfterDrop(t *testing.T) {
	h := NewHub(4, time.Minute)
	_, cancel := h.Subscribe(time.Time{})
	for i := 0; i < subscriberBuffer+2; i++ {
		h.Publish(Event{Type: "flood"})
	}
	// Dropped already; cancel must not panic on the closed channel.
	cancel()
	cancel()
}
