// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/models"
)

func locatedActivity(id int64, date time.Time, name string, geo *models.Geolocation) database.LocatedActivity {
	uid := "U"
	return database.LocatedActivity{
		Activity: models.Activity{ID: id, ServerID: 1, Name: name, Date: date, UserID: &uid},
		Location: models.ActivityLocation{
			ActivityID:  id,
			IPAddress:   "203.0.113.5",
			CountryCode: &geo.CountryCode,
			Country:     &geo.Country,
			City:        &geo.City,
			Latitude:    &geo.Latitude,
			Longitude:   &geo.Longitude,
		},
	}
}

func TestBuildFingerprintAggregates(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 21, 30, 0, 0, time.UTC)
	history := []database.LocatedActivity{
		locatedActivity(1, day1, "U is playing Film on Living Room TV", geoBerlin),
		locatedActivity(2, day1.Add(time.Hour), "U is playing Film on Living Room TV", geoBerlin),
		locatedActivity(3, day2, "U is playing Show on Phone", geoNewYork),
	}

	fp := buildFingerprint(1, "U", history)

	if len(fp.KnownCountries) != 2 || !contains(fp.KnownCountries, "de") || !contains(fp.KnownCountries, "us") {
		t.Errorf("countries = %v", fp.KnownCountries)
	}
	if !contains(fp.KnownCities, "berlin") || !contains(fp.KnownCities, "new york") {
		t.Errorf("cities = %v", fp.KnownCities)
	}
	if fp.LocationPatterns["de:berlin"] != 2 || fp.LocationPatterns["us:new york"] != 1 {
		t.Errorf("location patterns = %v", fp.LocationPatterns)
	}
	if fp.DevicePatterns["living room tv"] != 2 || fp.DevicePatterns["phone"] != 1 {
		t.Errorf("device patterns = %v", fp.DevicePatterns)
	}
	if fp.HourHistogram[20] != 1 || fp.HourHistogram[21] != 2 {
		t.Errorf("hour histogram = %v", fp.HourHistogram)
	}
	if fp.TotalSessions != 3 {
		t.Errorf("total sessions = %d, want 3", fp.TotalSessions)
	}
	// 3 plays across 2 distinct UTC dates.
	if math.Abs(fp.AvgSessionsPerDay-1.5) > 1e-9 {
		t.Errorf("avg sessions/day = %f, want 1.5", fp.AvgSessionsPerDay)
	}
}

func TestCalculateFingerprintsSkipsEmptyHistory(t *testing.T) {
	day := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{
		userIDs: []string{"U", "ghost"},
		located: map[string][]database.LocatedActivity{
			"U": {locatedActivity(1, day, "U is playing Film on TV", geoBerlin)},
		},
	}
	p := New(store, &fakeResolver{}, nil, Thresholds{})

	n, err := p.CalculateFingerprints(context.Background(), 1)
	if err != nil {
		t.Fatalf("CalculateFingerprints: %v", err)
	}
	if n != 1 || len(store.upsertedFPs) != 1 {
		t.Fatalf("wrote %d fingerprints, want 1", len(store.upsertedFPs))
	}
	if store.upsertedFPs[0].UserID != "U" {
		t.Errorf("fingerprint user = %s", store.upsertedFPs[0].UserID)
	}
}
