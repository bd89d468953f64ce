// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/metrics"
	"github.com/playlens/playlens/internal/models"
)

// geoStore is the database slice the pipeline needs.
type geoStore interface {
	ListUnlocatedActivities(ctx context.Context, serverID int64, limit int) ([]models.Activity, error)
	InsertActivityLocations(ctx context.Context, locations []models.ActivityLocation) error
	GetUserFingerprint(ctx context.Context, serverID int64, userID string) (*models.UserFingerprint, error)
	LastPublicLocation(ctx context.Context, serverID int64, userID string, excludeActivityID int64) (*database.PreviousLocation, error)
	LastSessionDeviceName(ctx context.Context, serverID int64, userID string) (string, error)
	RecordAnomalies(ctx context.Context, events []models.AnomalyEvent, fp *models.UserFingerprint, seed bool) error

	ActivityUserIDs(ctx context.Context, serverID int64) ([]string, error)
	ListLocatedActivitiesForUser(ctx context.Context, serverID int64, userID string) ([]database.LocatedActivity, error)
	UpsertUserFingerprint(ctx context.Context, fp *models.UserFingerprint) error
}

// publisher is the event stream slice the pipeline needs.
type publisher interface {
	Publish(e events.Event)
}

// Thresholds are the impossible-travel policy tunables. The defaults flag
// only clearly implausible transitions.
type Thresholds struct {
	MaxSpeedKmH   float64
	MinDistanceKm float64
}

// GeolocateResult summarizes one batch.
type GeolocateResult struct {
	Processed int // activities examined and marked processed
	Located   int // activities with a resolved public or private location
	Anomalies int
}

// Pipeline resolves activity IPs, maintains fingerprints, and emits
// anomaly events.
type Pipeline struct {
	store      geoStore
	resolver   Resolver
	hub        publisher
	thresholds Thresholds
}

// New builds the pipeline. hub may be nil in tests.
func New(store geoStore, resolver Resolver, hub publisher, thresholds Thresholds) *Pipeline {
	if thresholds.MaxSpeedKmH <= 0 {
		thresholds.MaxSpeedKmH = 800
	}
	if thresholds.MinDistanceKm <= 0 {
		thresholds.MinDistanceKm = 500
	}
	return &Pipeline{store: store, resolver: resolver, hub: hub, thresholds: thresholds}
}

// GeolocateActivities processes one batch of activities that mention an IP
// but have no location row yet.
func (p *Pipeline) GeolocateActivities(ctx context.Context, serverID int64, batchSize int) (GeolocateResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	activities, err := p.store.ListUnlocatedActivities(ctx, serverID, batchSize)
	if err != nil {
		return GeolocateResult{}, fmt.Errorf("list unlocated activities: %w", err)
	}

	var result GeolocateResult
	var locations []models.ActivityLocation
	cache := &batchCache{
		fingerprints: make(map[string]*models.UserFingerprint),
		lastLocation: make(map[string]*database.PreviousLocation),
		lastDevice:   make(map[string]string),
	}

	for i := range activities {
		a := &activities[i]
		result.Processed++

		ip := ExtractIP(a.ShortOverview)
		if ip == "" {
			// Placeholder marks the row processed so it never re-enters
			// the batch query.
			locations = append(locations, models.ActivityLocation{
				ActivityID:  a.ID,
				IPAddress:   "unknown",
				IsPrivateIP: true,
			})
			continue
		}

		geo, err := p.resolver.Resolve(ctx, ip)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			metrics.GeolocationLookups.WithLabelValues("error").Inc()
			logging.Warn().Err(err).Int64("activity_id", a.ID).Str("ip", ip).
				Msg("Geolocation lookup failed, will retry next batch")
			result.Processed--
			continue
		}
		metrics.GeolocationLookups.WithLabelValues("ok").Inc()
		result.Located++

		locations = append(locations, locationRow(a.ID, geo))

		if a.UserID != nil && geo.CountryCode != "" && !geo.IsPrivateIP {
			n, err := p.detectAnomalies(ctx, serverID, *a.UserID, a, geo, cache)
			if err != nil {
				logging.Err(err).Int64("activity_id", a.ID).
					Msg("Anomaly detection failed for activity")
			}
			result.Anomalies += n
		}
	}

	if err := p.store.InsertActivityLocations(ctx, locations); err != nil {
		return result, fmt.Errorf("store activity locations: %w", err)
	}
	return result, nil
}

func locationRow(activityID int64, geo *models.Geolocation) models.ActivityLocation {
	loc := models.ActivityLocation{
		ActivityID:  activityID,
		IPAddress:   geo.IPAddress,
		IsPrivateIP: geo.IsPrivateIP,
	}
	if geo.IsPrivateIP {
		return loc
	}
	loc.CountryCode = strPtr(geo.CountryCode)
	loc.Country = strPtr(geo.Country)
	loc.Region = strPtr(geo.Region)
	loc.City = strPtr(geo.City)
	loc.Timezone = strPtr(geo.Timezone)
	lat, lng := geo.Latitude, geo.Longitude
	loc.Latitude = &lat
	loc.Longitude = &lng
	return loc
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// batchCache holds per-user state for one geolocate batch: the fingerprint
// (so N activities from one user hit the DB once), the most recent
// location processed in this batch (location rows are only flushed at the
// end, so the DB cannot see them yet), and the fallback device lookup.
type batchCache struct {
	fingerprints map[string]*models.UserFingerprint
	lastLocation map[string]*database.PreviousLocation
	lastDevice   map[string]string
}

// detectAnomalies runs the per-(user, activity) checks against the cached
// fingerprint, persists emitted anomalies together with the fingerprint
// update, and writes the updated fingerprint back to the batch cache.
func (p *Pipeline) detectAnomalies(ctx context.Context, serverID int64, userID string, a *models.Activity, geo *models.Geolocation, cache *batchCache) (int, error) {
	fp, cached := cache.fingerprints[userID]
	seed := false
	if !cached {
		stored, err := p.store.GetUserFingerprint(ctx, serverID, userID)
		switch {
		case errors.Is(err, database.ErrNotFound):
			fp = &models.UserFingerprint{UserID: userID, ServerID: serverID}
			seed = true
		case err != nil:
			return 0, fmt.Errorf("load fingerprint: %w", err)
		default:
			fp = stored
		}
	}

	var detected []models.AnomalyEvent

	if travel := p.checkImpossibleTravel(ctx, serverID, userID, a, geo, cache.lastLocation[userID]); travel != nil {
		detected = append(detected, *travel)
	}

	country := normalize(geo.CountryCode)
	city := normalize(geo.City)
	switch {
	case country != "" && !contains(fp.KnownCountries, country):
		detected = append(detected, models.AnomalyEvent{
			ServerID: serverID, UserID: userID, ActivityID: a.ID,
			Type: models.AnomalyNewCountry, Severity: models.SeverityMedium,
			Details: models.AnomalyDetails{CurrentLocation: locationLabel(geo)},
		})
	case city != "" && !contains(fp.KnownCities, city):
		detected = append(detected, models.AnomalyEvent{
			ServerID: serverID, UserID: userID, ActivityID: a.ID,
			Type: models.AnomalyNewLocation, Severity: models.SeverityLow,
			Details: models.AnomalyDetails{CurrentLocation: locationLabel(geo)},
		})
	}

	label := deviceLabel(a)
	if label == "" {
		label = p.fallbackDeviceName(ctx, serverID, userID, cache)
	}
	if label != "" {
		norm := normalize(label)
		if !contains(fp.KnownDeviceIDs, norm) {
			detected = append(detected, models.AnomalyEvent{
				ServerID: serverID, UserID: userID, ActivityID: a.ID,
				Type: models.AnomalyNewDevice, Severity: models.SeverityMedium,
				Details: models.AnomalyDetails{DeviceName: label, DeviceID: norm},
			})
			fp.KnownDeviceIDs = appendUnique(fp.KnownDeviceIDs, norm)
		}
	}

	fp.KnownCountries = appendUnique(fp.KnownCountries, country)
	fp.KnownCities = appendUnique(fp.KnownCities, city)

	if err := p.store.RecordAnomalies(ctx, detected, fp, seed); err != nil {
		return 0, fmt.Errorf("record anomalies: %w", err)
	}
	cache.fingerprints[userID] = fp
	lat, lng := geo.Latitude, geo.Longitude
	cache.lastLocation[userID] = &database.PreviousLocation{
		ActivityID: a.ID,
		Date:       a.Date,
		Country:    strPtr(geo.Country),
		City:       strPtr(geo.City),
		Latitude:   &lat,
		Longitude:  &lng,
	}

	for _, e := range detected {
		metrics.AnomaliesDetected.WithLabelValues(string(e.Type)).Inc()
		p.publish(events.Event{
			Type:     "anomaly:detected",
			ServerID: serverID,
			Data: map[string]any{
				"userId":     e.UserID,
				"activityId": e.ActivityID,
				"type":       string(e.Type),
				"severity":   string(e.Severity),
			},
		})
	}
	return len(detected), nil
}

// checkImpossibleTravel compares the activity against the user's most
// recent public-IP location, preferring one seen earlier in this batch
// since those rows are not flushed yet. Emits iff both distance and implied
// speed are over threshold with positive elapsed time.
func (p *Pipeline) checkImpossibleTravel(ctx context.Context, serverID int64, userID string, a *models.Activity, geo *models.Geolocation, prev *database.PreviousLocation) *models.AnomalyEvent {
	if prev == nil {
		stored, err := p.store.LastPublicLocation(ctx, serverID, userID, a.ID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			logging.Err(err).Str("user_id", userID).Msg("Previous location lookup failed")
			return nil
		}
		prev = stored
	}
	if prev.Latitude == nil || prev.Longitude == nil {
		return nil
	}

	minutes := a.Date.Sub(prev.Date).Minutes()
	if minutes <= 0 {
		return nil
	}
	distance := Haversine(*prev.Latitude, *prev.Longitude, geo.Latitude, geo.Longitude)
	speed := distance / (minutes / 60)

	if distance <= p.thresholds.MinDistanceKm || speed <= p.thresholds.MaxSpeedKmH {
		return nil
	}

	return &models.AnomalyEvent{
		ServerID: serverID, UserID: userID, ActivityID: a.ID,
		Type: models.AnomalyImpossibleTravel, Severity: models.SeverityCritical,
		Details: models.AnomalyDetails{
			PreviousLocation: prevLabel(prev),
			CurrentLocation:  locationLabel(geo),
			DistanceKm:       distance,
			SpeedKmh:         speed,
			TimeDiffMinutes:  minutes,
		},
	}
}

// fallbackDeviceName resolves the user's latest session device name for
// activities whose text carries no device segment. One lookup per user per
// batch; an empty result is cached too.
func (p *Pipeline) fallbackDeviceName(ctx context.Context, serverID int64, userID string, cache *batchCache) string {
	if name, ok := cache.lastDevice[userID]; ok {
		return name
	}
	name, err := p.store.LastSessionDeviceName(ctx, serverID, userID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.Err(err).Str("user_id", userID).Msg("Session device lookup failed")
	}
	cache.lastDevice[userID] = name
	return name
}

// deviceLabel derives a device name from the activity text. Upstream
// playback activities read "<user> is playing <item> on <device>".
func deviceLabel(a *models.Activity) string {
	idx := strings.LastIndex(a.Name, " on ")
	if idx < 0 {
		return ""
	}
	label := strings.TrimSpace(a.Name[idx+len(" on "):])
	label = strings.TrimSuffix(label, ".")
	return label
}

func locationLabel(geo *models.Geolocation) string {
	if geo.City != "" {
		return geo.City + ", " + geo.CountryCode
	}
	return geo.CountryCode
}

func prevLabel(prev *database.PreviousLocation) string {
	city, country := "", ""
	if prev.City != nil {
		city = *prev.City
	}
	if prev.Country != nil {
		country = *prev.Country
	}
	if city != "" {
		return city + ", " + country
	}
	return country
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func appendUnique(set []string, v string) []string {
	if v == "" || contains(set, v) {
		return set
	}
	return append(set, v)
}

func (p *Pipeline) publish(e events.Event) {
	if p.hub != nil {
		p.hub.Publish(e)
	}
}
