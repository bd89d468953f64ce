// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package models defines the upstream media server (UMS) wire types and the
// domain rows shared across the queue, scheduler, poller, and geolocation
// pipeline.
package models

// UMSSession represents a currently-playing session as reported by the
// upstream media server sessions endpoint. Field names follow the upstream
// JSON contract.
type UMSSession struct {
	ID                 string `json:"Id"`
	UserID             string `json:"UserId"`
	UserName           string `json:"UserName"`
	Client             string `json:"Client"`
	DeviceID           string `json:"DeviceId"`
	DeviceName         string `json:"DeviceName"`
	RemoteEndPoint     string `json:"RemoteEndPoint"`
	ApplicationVersion string `json:"ApplicationVersion"`
	IsActive           bool   `json:"IsActive"`

	LastActivityDate    string `json:"LastActivityDate,omitempty"`
	LastPlaybackCheckIn string `json:"LastPlaybackCheckIn,omitempty"`
	LastPausedDate      string `json:"LastPausedDate,omitempty"`

	NowPlayingItem  *UMSNowPlayingItem  `json:"NowPlayingItem,omitempty"`
	PlayState       *UMSPlayState       `json:"PlayState,omitempty"`
	TranscodingInfo *UMSTranscodingInfo `json:"TranscodingInfo,omitempty"`
}

// UMSNowPlayingItem is the currently playing content of a session.
type UMSNowPlayingItem struct {
	ID           string            `json:"Id"`
	Name         string            `json:"Name"`
	Type         string            `json:"Type"`
	SeriesID     string            `json:"SeriesId,omitempty"`
	SeriesName   string            `json:"SeriesName,omitempty"`
	SeasonID     string            `json:"SeasonId,omitempty"`
	RunTimeTicks int64             `json:"RunTimeTicks"`
	ProviderIds  map[string]string `json:"ProviderIds,omitempty"`
}

// UMSPlayState is the playback state of a session.
type UMSPlayState struct {
	IsPaused            bool   `json:"IsPaused"`
	PositionTicks       int64  `json:"PositionTicks"`
	PlayMethod          string `json:"PlayMethod,omitempty"`
	IsMuted             bool   `json:"IsMuted"`
	VolumeLevel         int    `json:"VolumeLevel,omitempty"`
	AudioStreamIndex    *int   `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex *int   `json:"SubtitleStreamIndex,omitempty"`
	MediaSourceID       string `json:"MediaSourceId,omitempty"`
	RepeatMode          string `json:"RepeatMode,omitempty"`
	PlaybackOrder       string `json:"PlaybackOrder,omitempty"`
}

// UMSTranscodingInfo describes an active transcode of a session.
type UMSTranscodingInfo struct {
	AudioCodec               string   `json:"AudioCodec,omitempty"`
	VideoCodec               string   `json:"VideoCodec,omitempty"`
	Container                string   `json:"Container,omitempty"`
	IsVideoDirect            bool     `json:"IsVideoDirect"`
	IsAudioDirect            bool     `json:"IsAudioDirect"`
	Bitrate                  int64    `json:"Bitrate,omitempty"`
	CompletionPercentage     float64  `json:"CompletionPercentage,omitempty"`
	Width                    int      `json:"Width,omitempty"`
	Height                   int      `json:"Height,omitempty"`
	AudioChannels            int      `json:"AudioChannels,omitempty"`
	HardwareAccelerationType string   `json:"HardwareAccelerationType,omitempty"`
	TranscodeReasons         []string `json:"TranscodeReasons,omitempty"`
}

// UMSSystemInfo is the upstream system information response, used to
// validate credentials and obtain the upstream server id.
type UMSSystemInfo struct {
	ID                     string `json:"Id"`
	ServerName             string `json:"ServerName"`
	Version                string `json:"Version"`
	ProductName            string `json:"ProductName,omitempty"`
	OperatingSystem        string `json:"OperatingSystem,omitempty"`
	StartupWizardCompleted bool   `json:"StartupWizardCompleted"`
	LocalAddress           string `json:"LocalAddress,omitempty"`
}

// UMSActivityEntry is one entry of the upstream activity log, returned
// newest-first by the activities endpoint.
type UMSActivityEntry struct {
	ID            int64  `json:"Id"`
	Name          string `json:"Name"`
	ShortOverview string `json:"ShortOverview,omitempty"`
	Type          string `json:"Type"`
	Date          string `json:"Date"`
	Severity      string `json:"Severity,omitempty"`
	UserID        string `json:"UserId,omitempty"`
	ItemID        string `json:"ItemId,omitempty"`
}

// UMSActivityPage is the paged activities response envelope.
type UMSActivityPage struct {
	Items            []UMSActivityEntry `json:"Items"`
	TotalRecordCount int                `json:"TotalRecordCount"`
}

// UMSUser is an upstream user, exposed for full-sync handlers.
type UMSUser struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}
