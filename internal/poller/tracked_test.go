// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package poller

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/playlens/playlens/internal/models"
)

func playingSession(id string, position int64, paused bool) *models.UMSSession {
	return &models.UMSSession{
		ID:       id,
		UserID:   "user-1",
		UserName: "alice",
		DeviceID: "dev-1",
		NowPlayingItem: &models.UMSNowPlayingItem{
			ID:           "item-1",
			Name:         "The Movie",
			Type:         "Movie",
			RunTimeTicks: 36_000_000_000,
		},
		PlayState: &models.UMSPlayState{
			PositionTicks: position,
			IsPaused:      paused,
			PlayMethod:    "DirectPlay",
		},
	}
}

func TestSessionKeyPrefersUpstreamID(t *testing.T) {
	s := playingSession("X", 0, false)
	if got := sessionKeyFor(s); got != "sid:X" {
		t.Errorf("sessionKeyFor = %q, want sid:X", got)
	}

	s.ID = ""
	if got := sessionKeyFor(s); got != "user-1|dev-1||item-1" {
		t.Errorf("composite key = %q", got)
	}
}

func TestTrailersAndPrerollsFiltered(t *testing.T) {
	trailer := playingSession("X", 0, false)
	trailer.NowPlayingItem.Type = "Trailer"
	if shouldTrack(trailer) {
		t.Error("trailer should never be tracked")
	}

	preroll := playingSession("Y", 0, false)
	preroll.NowPlayingItem.ProviderIds = map[string]string{"prerolls.video": "abc"}
	if shouldTrack(preroll) {
		t.Error("preroll should never be tracked")
	}

	idle := &models.UMSSession{ID: "Z"}
	if shouldTrack(idle) {
		t.Error("session without playing item should not be tracked")
	}
}

// Plays ten seconds across two ticks then disappears: one finalized row
// with ~10s of playback and ~13.89% progress.
func TestPlaybackAcrossTicks(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	tracked := newTracked(1, playingSession("X", 0, false), t0)
	tracked.update(playingSession("X", 5_000_000_000, false), t0.Add(5*time.Second))

	record := tracked.finalize(t0.Add(10 * time.Second))
	if record == nil {
		t.Fatal("expected a finalized record")
	}
	if record.PlayDuration != 10 {
		t.Errorf("PlayDuration = %d, want 10", record.PlayDuration)
	}
	if math.Abs(record.PercentComplete-13.888) > 0.01 {
		t.Errorf("PercentComplete = %f, want ~13.89", record.PercentComplete)
	}
	if record.Completed {
		t.Error("13.89%% should not be completed")
	}
	wantID := fmt.Sprintf("sid:1:X:%s", t0.Format(time.RFC3339))
	if record.ID != wantID {
		t.Errorf("ID = %q, want %q", record.ID, wantID)
	}
}

// Paused across the second window: only the first five seconds accrue.
func TestPauseStopsAccrual(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	tracked := newTracked(1, playingSession("X", 0, false), t0)
	tracked.update(playingSession("X", 5_000_000_000, true), t0.Add(5*time.Second))

	record := tracked.finalize(t0.Add(10 * time.Second))
	if record == nil {
		t.Fatal("expected a finalized record")
	}
	if record.PlayDuration != 5 {
		t.Errorf("PlayDuration = %d, want 5 (paused window does not accrue)", record.PlayDuration)
	}
}

func TestDurationMonotonicAcrossTicks(t *testing.T) {
	t0 := time.Now()
	tracked := newTracked(1, playingSession("X", 0, false), t0)

	prev := 0.0
	for i := 1; i <= 5; i++ {
		now := t0.Add(time.Duration(i*5) * time.Second)
		tracked.update(playingSession("X", int64(i)*1_000_000_000, false), now)
		d := tracked.finalDuration(now)
		if d < prev {
			t.Fatalf("finalDuration decreased: %f -> %f at tick %d", prev, d, i)
		}
		prev = d
	}
}

func TestReplacementOnPositionReset(t *testing.T) {
	t0 := time.Now()
	tracked := newTracked(1, playingSession("X", 0, false), t0)
	tracked.PositionTicks = 700_000_000
	tracked.PlayDuration = 45

	next := playingSession("X", 50_000_000, false)
	if !tracked.isReplacement(next) {
		t.Error("deep position to near-zero with 45s accrued should be a replacement")
	}

	// Same reset without accumulated watch time is a seek, not a new play.
	tracked.PlayDuration = 10
	if tracked.isReplacement(next) {
		t.Error("position reset without accumulated time should not replace")
	}
}

func TestReplacementOnItemChange(t *testing.T) {
	t0 := time.Now()
	tracked := newTracked(1, playingSession("X", 0, false), t0)

	next := playingSession("X", 0, false)
	next.NowPlayingItem.ID = "item-2"
	if !tracked.isReplacement(next) {
		t.Error("item change under the same key should be a replacement")
	}
}

func TestShortSessionNotFinalized(t *testing.T) {
	t0 := time.Now()
	tracked := newTracked(1, playingSession("X", 0, false), t0)
	if record := tracked.finalize(t0.Add(500 * time.Millisecond)); record != nil {
		t.Errorf("sub-second session finalized: %+v", record)
	}
}

func TestTranscodeDetection(t *testing.T) {
	t0 := time.Now()

	direct := newTracked(1, playingSession("X", 0, false), t0)
	if record := direct.finalize(t0.Add(time.Minute)); record.IsTranscoded {
		t.Error("DirectPlay flagged as transcoded")
	}

	s := playingSession("Y", 0, false)
	s.PlayState.PlayMethod = "Transcode"
	s.TranscodingInfo = &models.UMSTranscodingInfo{VideoCodec: "h264", TranscodeReasons: []string{"VideoCodecNotSupported"}}
	tc := newTracked(1, s, t0)
	record := tc.finalize(t0.Add(time.Minute))
	if !record.IsTranscoded {
		t.Error("Transcode not flagged")
	}
	if record.TranscodingVideoCodec == nil || *record.TranscodingVideoCodec != "h264" {
		t.Errorf("TranscodingVideoCodec = %v", record.TranscodingVideoCodec)
	}
}

func TestSyntheticKeyRecordID(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	s := playingSession("", 0, false)
	tracked := newTracked(3, s, t0)

	record := tracked.finalize(t0.Add(time.Minute))
	want := fmt.Sprintf("trk:3:user-1|dev-1||item-1:%s", t0.Format(time.RFC3339))
	if record.ID != want {
		t.Errorf("ID = %q, want %q", record.ID, want)
	}
}

func TestPauseResumeAccrualStartsNextTick(t *testing.T) {
	t0 := time.Now()
	tracked := newTracked(1, playingSession("X", 0, true), t0)

	// Paused during the first window: nothing accrues; resume observed.
	tracked.update(playingSession("X", 0, false), t0.Add(5*time.Second))
	if tracked.PlayDuration != 0 {
		t.Errorf("PlayDuration = %f after paused window, want 0", tracked.PlayDuration)
	}

	// Playing across the second window: it accrues.
	tracked.update(playingSession("X", 1_000_000_000, false), t0.Add(10*time.Second))
	if tracked.PlayDuration != 5 {
		t.Errorf("PlayDuration = %f, want 5", tracked.PlayDuration)
	}
}
