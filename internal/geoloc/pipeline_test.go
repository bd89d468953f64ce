// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/models"
)

type fakeGeoStore struct {
	unlocated      []models.Activity
	fingerprints   map[string]*models.UserFingerprint
	prev           map[string]*database.PreviousLocation
	userIDs        []string
	located        map[string][]database.LocatedActivity
	lastDeviceName map[string]string
	deviceLookups  int

	insertedLocations []models.ActivityLocation
	recorded          []models.AnomalyEvent
	seedCalls         int
	upsertedFPs       []*models.UserFingerprint
}

func (f *fakeGeoStore) ListUnlocatedActivities(ctx context.Context, serverID int64, limit int) ([]models.Activity, error) {
	if limit > len(f.unlocated) {
		limit = len(f.unlocated)
	}
	batch := f.unlocated[:limit]
	f.unlocated = f.unlocated[limit:]
	return batch, nil
}

func (f *fakeGeoStore) InsertActivityLocations(ctx context.Context, locations []models.ActivityLocation) error {
	f.insertedLocations = append(f.insertedLocations, locations...)
	return nil
}

func (f *fakeGeoStore) GetUserFingerprint(ctx context.Context, serverID int64, userID string) (*models.UserFingerprint, error) {
	if fp, ok := f.fingerprints[userID]; ok {
		return fp, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeGeoStore) LastPublicLocation(ctx context.Context, serverID int64, userID string, excludeActivityID int64) (*database.PreviousLocation, error) {
	if p, ok := f.prev[userID]; ok {
		return p, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeGeoStore) LastSessionDeviceName(ctx context.Context, serverID int64, userID string) (string, error) {
	f.deviceLookups++
	if name, ok := f.lastDeviceName[userID]; ok {
		return name, nil
	}
	return "", database.ErrNotFound
}

func (f *fakeGeoStore) RecordAnomalies(ctx context.Context, evts []models.AnomalyEvent, fp *models.UserFingerprint, seed bool) error {
	f.recorded = append(f.recorded, evts...)
	if seed {
		f.seedCalls++
	}
	if fp != nil {
		if f.fingerprints == nil {
			f.fingerprints = make(map[string]*models.UserFingerprint)
		}
		f.fingerprints[fp.UserID] = fp
	}
	return nil
}

func (f *fakeGeoStore) ActivityUserIDs(ctx context.Context, serverID int64) ([]string, error) {
	return f.userIDs, nil
}

func (f *fakeGeoStore) ListLocatedActivitiesForUser(ctx context.Context, serverID int64, userID string) ([]database.LocatedActivity, error) {
	return f.located[userID], nil
}

func (f *fakeGeoStore) UpsertUserFingerprint(ctx context.Context, fp *models.UserFingerprint) error {
	f.upsertedFPs = append(f.upsertedFPs, fp)
	return nil
}

type fakeResolver struct {
	byIP map[string]*models.Geolocation
	errs map[string]error
}

func (f *fakeResolver) Resolve(ctx context.Context, ip string) (*models.Geolocation, error) {
	if err := f.errs[ip]; err != nil {
		return nil, err
	}
	if geo, ok := f.byIP[ip]; ok {
		copied := *geo
		copied.IPAddress = ip
		return &copied, nil
	}
	return nil, errors.New("unexpected ip " + ip)
}

type fakeHub struct {
	events []events.Event
}

func (f *fakeHub) Publish(e events.Event) { f.events = append(f.events, e) }

func userActivity(id int64, date time.Time, userID, name, overview string) models.Activity {
	uid := userID
	return models.Activity{
		ID: id, ServerID: 1, Name: name, ShortOverview: overview,
		Type: "SessionStarted", Date: date, UserID: &uid,
	}
}

var (
	geoBerlin = &models.Geolocation{
		CountryCode: "DE", Country: "Germany", City: "Berlin",
		Latitude: 52.52, Longitude: 13.405, Timezone: "Europe/Berlin",
	}
	geoNewYork = &models.Geolocation{
		CountryCode: "US", Country: "United States", City: "New York",
		Latitude: 40.7128, Longitude: -74.006, Timezone: "America/New_York",
	}
)

// Two consecutive activities for one user, Berlin then New York half an hour
// later: the first observation seeds the fingerprint and reads as one new
// country, the second is implausible travel plus another new country.
func TestFirstObservationThenImpossibleTravel(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{unlocated: []models.Activity{
		userActivity(1, t0, "U", "U is online", "authenticated from 203.0.113.5"),
		userActivity(2, t0.Add(30*time.Minute), "U", "U is online", "authenticated from 198.51.100.7"),
	}}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{
		"203.0.113.5":  geoBerlin,
		"198.51.100.7": geoNewYork,
	}}
	p := New(store, resolver, nil, Thresholds{})

	result, err := p.GeolocateActivities(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}
	if result.Processed != 2 || result.Located != 2 {
		t.Errorf("processed=%d located=%d, want 2/2", result.Processed, result.Located)
	}
	if result.Anomalies != 3 {
		t.Fatalf("anomalies = %d, want 3", result.Anomalies)
	}

	if store.recorded[0].Type != models.AnomalyNewCountry || store.recorded[0].ActivityID != 1 {
		t.Errorf("first anomaly = %s on %d, want new_country on activity 1",
			store.recorded[0].Type, store.recorded[0].ActivityID)
	}
	travel := store.recorded[1]
	if travel.Type != models.AnomalyImpossibleTravel || travel.Severity != models.SeverityCritical {
		t.Errorf("second anomaly = %s/%s, want impossible_travel/critical", travel.Type, travel.Severity)
	}
	if travel.Details.DistanceKm < 6000 || travel.Details.SpeedKmh < 10000 {
		t.Errorf("travel details = %+v", travel.Details)
	}
	if store.recorded[2].Type != models.AnomalyNewCountry || store.recorded[2].ActivityID != 2 {
		t.Errorf("third anomaly = %s, want new_country for US", store.recorded[2].Type)
	}
	if store.seedCalls != 1 {
		t.Errorf("fingerprint seeded %d times, want 1", store.seedCalls)
	}
}

// A burst of identical activities emits each anomaly once: the write-through
// cache absorbs the rest of the batch.
func TestIdenticalActivitiesDeduplicatedWithinBatch(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	var batch []models.Activity
	for i := int64(1); i <= 4; i++ {
		batch = append(batch, userActivity(i, t0.Add(time.Duration(i)*time.Second), "U",
			"U is playing Film on Living Room TV.", "streaming from 203.0.113.5"))
	}
	store := &fakeGeoStore{unlocated: batch}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{"203.0.113.5": geoBerlin}}
	p := New(store, resolver, nil, Thresholds{})

	result, err := p.GeolocateActivities(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}

	counts := map[models.AnomalyType]int{}
	for _, e := range store.recorded {
		counts[e.Type]++
	}
	if counts[models.AnomalyNewCountry] != 1 {
		t.Errorf("new_country emitted %d times, want 1", counts[models.AnomalyNewCountry])
	}
	if counts[models.AnomalyNewDevice] != 1 {
		t.Errorf("new_device emitted %d times, want 1", counts[models.AnomalyNewDevice])
	}
	if counts[models.AnomalyNewLocation] != 0 {
		t.Errorf("new_location emitted %d times for a new-country activity, want 0",
			counts[models.AnomalyNewLocation])
	}
	if result.Anomalies != 2 {
		t.Errorf("anomalies = %d, want 2", result.Anomalies)
	}

	device := findAnomaly(store.recorded, models.AnomalyNewDevice)
	if device == nil || device.Details.DeviceName != "Living Room TV" {
		t.Errorf("device anomaly = %+v, want original-cased label", device)
	}
	if device != nil && device.Details.DeviceID != "living room tv" {
		t.Errorf("device id = %q, want normalized", device.Details.DeviceID)
	}
}

func TestNewCityInKnownCountry(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{
		unlocated: []models.Activity{
			userActivity(5, t0, "U", "U is online", "from 203.0.113.5"),
		},
		fingerprints: map[string]*models.UserFingerprint{
			"U": {UserID: "U", ServerID: 1, KnownCountries: []string{"de"}, KnownCities: []string{"hamburg"}},
		},
	}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{"203.0.113.5": geoBerlin}}
	p := New(store, resolver, nil, Thresholds{})

	if _, err := p.GeolocateActivities(context.Background(), 1, 100); err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}
	if len(store.recorded) != 1 || store.recorded[0].Type != models.AnomalyNewLocation {
		t.Fatalf("recorded = %+v, want single new_location", store.recorded)
	}
	if store.recorded[0].Severity != models.SeverityLow {
		t.Errorf("severity = %s, want low", store.recorded[0].Severity)
	}
	if store.seedCalls != 0 {
		t.Error("existing fingerprint must not be reseeded")
	}
}

// An activity without an " on <device>" segment falls back to the user's
// latest session device name; known country and city keep the other rules
// quiet so the device rule is isolated.
func TestDeviceFallsBackToLastSessionName(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{
		unlocated: []models.Activity{
			userActivity(1, t0, "U", "U has started playback", "from 203.0.113.5"),
			userActivity(2, t0.Add(time.Minute), "U", "U has started playback", "from 203.0.113.5"),
		},
		fingerprints: map[string]*models.UserFingerprint{
			"U": {UserID: "U", ServerID: 1, KnownCountries: []string{"de"}, KnownCities: []string{"berlin"}},
		},
		lastDeviceName: map[string]string{"U": "Kitchen Tablet"},
	}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{"203.0.113.5": geoBerlin}}
	p := New(store, resolver, nil, Thresholds{})

	if _, err := p.GeolocateActivities(context.Background(), 1, 100); err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}

	if len(store.recorded) != 1 {
		t.Fatalf("recorded = %+v, want single new_device", store.recorded)
	}
	device := store.recorded[0]
	if device.Type != models.AnomalyNewDevice ||
		device.Details.DeviceName != "Kitchen Tablet" ||
		device.Details.DeviceID != "kitchen tablet" {
		t.Errorf("device anomaly = %+v", device)
	}
	if store.deviceLookups != 1 {
		t.Errorf("session device lookups = %d, want 1 per user per batch", store.deviceLookups)
	}
}

func TestSlowTravelNotFlagged(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	lat, lng := 40.7128, -74.006
	country, city := "United States", "New York"
	store := &fakeGeoStore{
		unlocated: []models.Activity{
			userActivity(9, t0, "U", "U is online", "from 203.0.113.5"),
		},
		fingerprints: map[string]*models.UserFingerprint{
			"U": {UserID: "U", ServerID: 1, KnownCountries: []string{"de", "us"},
				KnownCities: []string{"berlin", "new york"}},
		},
		prev: map[string]*database.PreviousLocation{
			// Berlin-to-NY distance, but a week of elapsed time.
			"U": {ActivityID: 3, Date: t0.Add(-7 * 24 * time.Hour),
				Country: &country, City: &city, Latitude: &lat, Longitude: &lng},
		},
	}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{"203.0.113.5": geoBerlin}}
	p := New(store, resolver, nil, Thresholds{})

	if _, err := p.GeolocateActivities(context.Background(), 1, 100); err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}
	if len(store.recorded) != 0 {
		t.Errorf("recorded = %+v, want none for slow travel", store.recorded)
	}
}

func TestNoIPGetsPlaceholderRow(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{unlocated: []models.Activity{
		userActivity(1, t0, "U", "U logged in", "authenticated locally"),
	}}
	p := New(store, &fakeResolver{}, nil, Thresholds{})

	result, err := p.GeolocateActivities(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}
	if result.Processed != 1 || result.Located != 0 {
		t.Errorf("processed=%d located=%d, want 1/0", result.Processed, result.Located)
	}
	if len(store.insertedLocations) != 1 {
		t.Fatalf("locations = %d, want placeholder row", len(store.insertedLocations))
	}
	row := store.insertedLocations[0]
	if row.IPAddress != "unknown" || !row.IsPrivateIP {
		t.Errorf("placeholder row = %+v", row)
	}
}

func TestPrivateIPSkipsDetection(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{unlocated: []models.Activity{
		userActivity(1, t0, "U", "U is online", "from 192.168.1.10"),
	}}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{
		"192.168.1.10": {IsPrivateIP: true},
	}}
	p := New(store, resolver, nil, Thresholds{})

	result, err := p.GeolocateActivities(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}
	if result.Located != 1 || result.Anomalies != 0 {
		t.Errorf("located=%d anomalies=%d, want 1/0", result.Located, result.Anomalies)
	}
	if len(store.recorded) != 0 {
		t.Error("private address must not feed anomaly detection")
	}
}

func TestResolveErrorLeavesActivityForNextBatch(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{unlocated: []models.Activity{
		userActivity(1, t0, "U", "U is online", "from 203.0.113.5"),
	}}
	resolver := &fakeResolver{errs: map[string]error{"203.0.113.5": errors.New("rate limited")}}
	p := New(store, resolver, nil, Thresholds{})

	result, err := p.GeolocateActivities(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("GeolocateActivities: %v", err)
	}
	if result.Processed != 0 {
		t.Errorf("processed = %d, want 0 so the row retries", result.Processed)
	}
	if len(store.insertedLocations) != 0 {
		t.Error("failed lookup must not produce a location row")
	}
}

func findAnomaly(evts []models.AnomalyEvent, typ models.AnomalyType) *models.AnomalyEvent {
	for i := range evts {
		if evts[i].Type == typ {
			return &evts[i]
		}
	}
	return nil
}
