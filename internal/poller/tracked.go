// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package poller runs the live-session polling loop and the activity log
// ingestor against each upstream media server.
package poller

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/playlens/playlens/internal/models"
)

// Position-reset heuristic: a session that was deep into an item and
// suddenly reports a near-zero position with real accumulated watch time is
// a new playback under the same session key.
const (
	resetHighWaterTicks = 600_000_000
	resetLowWaterTicks  = 100_000_000
	resetMinPlaySeconds = 30
)

// TrackedSession is the in-memory accumulator for one playback session,
// mirrored into active_sessions between ticks. JSON tags define the
// persisted payload shape; dates marshal as ISO strings.
type TrackedSession struct {
	SessionKey        string `json:"sessionKey"`
	ServerID          int64  `json:"serverId"`
	UpstreamSessionID string `json:"upstreamSessionId,omitempty"`

	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	ClientName     string `json:"clientName,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	DeviceName     string `json:"deviceName,omitempty"`
	RemoteEndPoint string `json:"remoteEndPoint,omitempty"`

	ItemID     string `json:"itemId"`
	ItemName   string `json:"itemName,omitempty"`
	ItemType   string `json:"itemType,omitempty"`
	SeriesID   string `json:"seriesId,omitempty"`
	SeriesName string `json:"seriesName,omitempty"`
	SeasonID   string `json:"seasonId,omitempty"`

	RuntimeTicks  int64  `json:"runtimeTicks"`
	PositionTicks int64  `json:"positionTicks"`
	PlayMethod    string `json:"playMethod,omitempty"`
	IsPaused      bool   `json:"isPaused"`

	TranscodingAudioCodec string   `json:"transcodingAudioCodec,omitempty"`
	TranscodingVideoCodec string   `json:"transcodingVideoCodec,omitempty"`
	TranscodingContainer  string   `json:"transcodingContainer,omitempty"`
	TranscodeReasons      []string `json:"transcodeReasons,omitempty"`

	// StartTime is wall clock; PlayDuration accrual uses the monotonic
	// delta between LastUpdate readings.
	StartTime    time.Time `json:"startTime"`
	LastUpdate   time.Time `json:"lastUpdate"`
	PlayDuration float64   `json:"playDuration"` // unpaused seconds
}

// sessionKeyFor derives the stable tracking key: the upstream session id
// when present, else a composite of the identifying fields.
func sessionKeyFor(s *models.UMSSession) string {
	if s.ID != "" {
		return "sid:" + s.ID
	}
	seriesID := ""
	itemID := ""
	if s.NowPlayingItem != nil {
		seriesID = s.NowPlayingItem.SeriesID
		itemID = s.NowPlayingItem.ID
	}
	return strings.Join([]string{s.UserID, s.DeviceID, seriesID, itemID}, "|")
}

// shouldTrack filters out sessions with nothing playing, trailers, and
// prerolls.
func shouldTrack(s *models.UMSSession) bool {
	item := s.NowPlayingItem
	if item == nil {
		return false
	}
	if item.Type == "Trailer" {
		return false
	}
	for k := range item.ProviderIds {
		if strings.EqualFold(k, "prerolls.video") {
			return false
		}
	}
	return true
}

// newTracked starts tracking a session observed for the first time.
func newTracked(serverID int64, s *models.UMSSession, now time.Time) *TrackedSession {
	t := &TrackedSession{
		SessionKey:        sessionKeyFor(s),
		ServerID:          serverID,
		UpstreamSessionID: s.ID,
		StartTime:         now,
		LastUpdate:        now,
	}
	t.applyUpstream(s)
	return t
}

// applyUpstream copies the mutable fields from an upstream session snapshot.
func (t *TrackedSession) applyUpstream(s *models.UMSSession) {
	t.UserID = s.UserID
	t.UserName = s.UserName
	t.ClientName = s.Client
	t.DeviceID = s.DeviceID
	t.DeviceName = s.DeviceName
	t.RemoteEndPoint = s.RemoteEndPoint

	if item := s.NowPlayingItem; item != nil {
		t.ItemID = item.ID
		t.ItemName = item.Name
		t.ItemType = item.Type
		t.SeriesID = item.SeriesID
		t.SeriesName = item.SeriesName
		t.SeasonID = item.SeasonID
		t.RuntimeTicks = item.RunTimeTicks
	}
	if ps := s.PlayState; ps != nil {
		t.PositionTicks = ps.PositionTicks
		t.PlayMethod = ps.PlayMethod
		t.IsPaused = ps.IsPaused
	}
	if ti := s.TranscodingInfo; ti != nil {
		t.TranscodingAudioCodec = ti.AudioCodec
		t.TranscodingVideoCodec = ti.VideoCodec
		t.TranscodingContainer = ti.Container
		t.TranscodeReasons = ti.TranscodeReasons
	} else {
		t.TranscodingAudioCodec = ""
		t.TranscodingVideoCodec = ""
		t.TranscodingContainer = ""
		t.TranscodeReasons = nil
	}
}

// isReplacement reports whether the upstream snapshot is a different
// playback under the same session key: either the item changed, or the
// position reset from deep in the item to near zero with real watch time
// accumulated.
func (t *TrackedSession) isReplacement(s *models.UMSSession) bool {
	currentItem := ""
	if s.NowPlayingItem != nil {
		currentItem = s.NowPlayingItem.ID
	}
	if currentItem != t.ItemID {
		return true
	}

	var currentPos int64
	if s.PlayState != nil {
		currentPos = s.PlayState.PositionTicks
	}
	return t.PositionTicks > resetHighWaterTicks &&
		currentPos < resetLowWaterTicks &&
		t.PlayDuration > resetMinPlaySeconds
}

// update advances the session by one tick. Elapsed time accrues only when
// the session was not paused going into the window; a pause→play transition
// starts accruing on the following tick.
func (t *TrackedSession) update(s *models.UMSSession, now time.Time) {
	elapsed := now.Sub(t.LastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if !t.IsPaused {
		t.PlayDuration += elapsed
	}
	t.LastUpdate = now
	t.applyUpstream(s)
}

// finalDuration is the total unpaused playback at finalization time,
// including the tail since the last tick when not paused.
func (t *TrackedSession) finalDuration(now time.Time) float64 {
	d := t.PlayDuration
	if !t.IsPaused {
		tail := now.Sub(t.LastUpdate).Seconds()
		if tail > 0 {
			d += tail
		}
	}
	return d
}

// recordID is the stable composite id of the finalized row.
func (t *TrackedSession) recordID() string {
	startISO := t.StartTime.UTC().Format(time.RFC3339)
	if t.UpstreamSessionID != "" {
		return fmt.Sprintf("sid:%d:%s:%s", t.ServerID, t.UpstreamSessionID, startISO)
	}
	return fmt.Sprintf("trk:%d:%s:%s", t.ServerID, t.SessionKey, startISO)
}

// finalize produces the playback history row, or nil when the session is
// too short to record (≤1 s of actual playback).
func (t *TrackedSession) finalize(now time.Time) *models.PlaybackSession {
	duration := t.finalDuration(now)
	if duration <= 1 {
		return nil
	}

	percent := 0.0
	if t.RuntimeTicks > 0 {
		percent = float64(t.PositionTicks) / float64(t.RuntimeTicks) * 100
	}

	isTranscoded := t.PlayMethod != "DirectPlay" && t.PlayMethod != "DirectStream"

	raw, err := json.Marshal(t)
	if err != nil {
		raw = nil
	}

	session := &models.PlaybackSession{
		ID:             t.recordID(),
		ServerID:       t.ServerID,
		UserServerID:   t.UserID,
		UserName:       t.UserName,
		DeviceID:       t.DeviceID,
		DeviceName:     t.DeviceName,
		ClientName:     t.ClientName,
		RemoteEndPoint: t.RemoteEndPoint,

		ItemID:     t.ItemID,
		ItemName:   t.ItemName,
		ItemType:   t.ItemType,
		SeriesID:   t.SeriesID,
		SeriesName: t.SeriesName,
		SeasonID:   t.SeasonID,

		StartTime: t.StartTime,
		EndTime:   now,

		PlayDuration:    int(duration + 0.5),
		PositionTicks:   t.PositionTicks,
		RuntimeTicks:    t.RuntimeTicks,
		PercentComplete: percent,
		Completed:       percent > 90,

		PlayMethod:   t.PlayMethod,
		IsPaused:     t.IsPaused,
		IsTranscoded: isTranscoded,

		TranscodeReasons: t.TranscodeReasons,
		RawData:          raw,
	}
	if t.TranscodingAudioCodec != "" {
		session.TranscodingAudioCodec = &t.TranscodingAudioCodec
	}
	if t.TranscodingVideoCodec != "" {
		session.TranscodingVideoCodec = &t.TranscodingVideoCodec
	}
	if t.TranscodingContainer != "" {
		session.TranscodingContainer = &t.TranscodingContainer
	}
	return session
}
