// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"fmt"
	"time"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
)

// CalculateFingerprints recomputes every user fingerprint on the server from
// the full geolocated activity history. Unlike the incremental updates in
// the geolocate path, this compacts the known sets to what the history
// actually supports. Returns the number of fingerprints written.
func (p *Pipeline) CalculateFingerprints(ctx context.Context, serverID int64) (int, error) {
	userIDs, err := p.store.ActivityUserIDs(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("list fingerprint users: %w", err)
	}

	updated := 0
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		history, err := p.store.ListLocatedActivitiesForUser(ctx, serverID, userID)
		if err != nil {
			logging.Err(err).Str("user_id", userID).Int64("server_id", serverID).
				Msg("Fingerprint recompute skipped user")
			continue
		}
		if len(history) == 0 {
			continue
		}
		fp := buildFingerprint(serverID, userID, history)
		if err := p.store.UpsertUserFingerprint(ctx, fp); err != nil {
			return updated, fmt.Errorf("store fingerprint for %s: %w", userID, err)
		}
		updated++
	}
	return updated, nil
}

// buildFingerprint aggregates one user's geolocated history into a baseline.
func buildFingerprint(serverID int64, userID string, history []database.LocatedActivity) *models.UserFingerprint {
	fp := &models.UserFingerprint{
		UserID:           userID,
		ServerID:         serverID,
		LocationPatterns: make(map[string]int),
		DevicePatterns:   make(map[string]int),
	}
	days := make(map[string]struct{})

	for i := range history {
		a := &history[i].Activity
		loc := &history[i].Location

		country := ""
		if loc.CountryCode != nil {
			country = normalize(*loc.CountryCode)
		}
		city := ""
		if loc.City != nil {
			city = normalize(*loc.City)
		}
		fp.KnownCountries = appendUnique(fp.KnownCountries, country)
		fp.KnownCities = appendUnique(fp.KnownCities, city)
		if country != "" {
			fp.LocationPatterns[country+":"+city]++
		}

		if label := deviceLabel(a); label != "" {
			norm := normalize(label)
			fp.KnownDeviceIDs = appendUnique(fp.KnownDeviceIDs, norm)
			fp.DevicePatterns[norm]++
		}

		utc := a.Date.UTC()
		fp.HourHistogram[utc.Hour()]++
		days[utc.Format(time.DateOnly)] = struct{}{}
		fp.TotalSessions++
	}

	if len(days) > 0 {
		fp.AvgSessionsPerDay = float64(fp.TotalSessions) / float64(len(days))
	}
	return fp
}
