// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/metrics"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/ums"
)

const (
	// A fresh cursor starts a little in the past so first contact does not
	// backfill the server's entire activity history.
	cursorInitLookback = 10 * time.Minute

	defaultActivityPageSize = 100
	defaultActivityMaxPages = 50
)

// ingestStore is the database slice the ingestor needs.
type ingestStore interface {
	GetActivityCursor(ctx context.Context, serverID int64) (*models.ActivityLogCursor, error)
	AdvanceActivityCursor(ctx context.Context, c models.ActivityLogCursor) error
	KnownUserIDs(ctx context.Context, serverID int64, ids []string) (map[string]bool, error)
	UpsertActivities(ctx context.Context, activities []models.Activity) error
}

// ActivityIngestor tails the upstream activity log behind a monotonic
// per-server cursor. The single polling loop is the only writer.
type ActivityIngestor struct {
	store ingestStore
	now   func() time.Time
}

// NewActivityIngestor builds an ingestor over the store.
func NewActivityIngestor(store ingestStore) *ActivityIngestor {
	return &ActivityIngestor{store: store, now: time.Now}
}

// IngestServer runs one ingest pass with the default page budget.
func (i *ActivityIngestor) IngestServer(ctx context.Context, serverID int64, client ums.Client) (int, error) {
	return i.Ingest(ctx, serverID, client, defaultActivityPageSize, defaultActivityMaxPages)
}

// Ingest pages the activity log newest-first until it reaches the cursor,
// then stores the accepted rows oldest-first and advances the cursor.
func (i *ActivityIngestor) Ingest(ctx context.Context, serverID int64, client ums.Client, pageSize, maxPages int) (int, error) {
	cursor, err := i.store.GetActivityCursor(ctx, serverID)
	if errors.Is(err, database.ErrNotFound) {
		// First contact: persist a cursor just behind now and pick up
		// entries from the next pass on.
		init := models.ActivityLogCursor{
			ServerID:   serverID,
			CursorDate: i.now().Add(-cursorInitLookback),
		}
		if err := i.store.AdvanceActivityCursor(ctx, init); err != nil {
			return 0, fmt.Errorf("initialize activity cursor: %w", err)
		}
		cursor = &init
	} else if err != nil {
		return 0, fmt.Errorf("load activity cursor: %w", err)
	}

	candidates, err := i.collect(ctx, serverID, client, cursor, pageSize, maxPages)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	// Oldest first, so a failure partway leaves the cursor advanceable to
	// the newest stored row on the next pass.
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Date.Equal(candidates[b].Date) {
			return candidates[a].ID < candidates[b].ID
		}
		return candidates[a].Date.Before(candidates[b].Date)
	})

	activities, err := i.validateUsers(ctx, serverID, candidates)
	if err != nil {
		return 0, err
	}
	if err := i.store.UpsertActivities(ctx, activities); err != nil {
		return 0, fmt.Errorf("store activities: %w", err)
	}

	newest := candidates[len(candidates)-1]
	if err := i.store.AdvanceActivityCursor(ctx, models.ActivityLogCursor{
		ServerID:   serverID,
		CursorDate: newest.Date,
		CursorID:   &newest.ID,
	}); err != nil {
		return 0, fmt.Errorf("advance activity cursor: %w", err)
	}

	metrics.ActivitiesIngested.WithLabelValues(fmt.Sprint(serverID)).Add(float64(len(activities)))
	return len(activities), nil
}

type candidateActivity struct {
	ID            int64
	Name          string
	ShortOverview string
	Type          string
	Date          time.Time
	Severity      string
	UserID        string
	ItemID        string
}

// collect pages newest-first, stopping at the cursor, a short page, or the
// page cap.
func (i *ActivityIngestor) collect(ctx context.Context, serverID int64, client ums.Client, cursor *models.ActivityLogCursor, pageSize, maxPages int) ([]candidateActivity, error) {
	var out []candidateActivity
	startIndex := 0

	for page := 0; page < maxPages; page++ {
		resp, err := client.Activities(ctx, startIndex, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch activity page %d: %w", page, err)
		}

		for idx := range resp.Items {
			entry := &resp.Items[idx]
			if cursor.CursorID != nil && entry.ID == *cursor.CursorID {
				return out, nil
			}
			date, err := time.Parse(time.RFC3339, entry.Date)
			if err != nil {
				logging.Warn().Int64("server_id", serverID).Int64("activity_id", entry.ID).
					Str("date", entry.Date).Msg("Skipping activity with unparseable date")
				continue
			}
			if !date.After(cursor.CursorDate) {
				return out, nil
			}
			out = append(out, candidateActivity{
				ID:            entry.ID,
				Name:          entry.Name,
				ShortOverview: entry.ShortOverview,
				Type:          entry.Type,
				Date:          date,
				Severity:      entry.Severity,
				UserID:        entry.UserID,
				ItemID:        entry.ItemID,
			})
		}

		if len(resp.Items) < pageSize {
			return out, nil
		}
		startIndex += pageSize
	}
	logging.Warn().Int64("server_id", serverID).Int("pages", maxPages).
		Msg("Activity ingest hit the page cap, remainder picked up next tick")
	return out, nil
}

// validateUsers maps candidates to rows, nulling the user reference for
// upstream users unknown locally so the FK never blocks ingestion.
func (i *ActivityIngestor) validateUsers(ctx context.Context, serverID int64, candidates []candidateActivity) ([]models.Activity, error) {
	ids := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, c := range candidates {
		if c.UserID != "" && !seen[c.UserID] {
			seen[c.UserID] = true
			ids = append(ids, c.UserID)
		}
	}
	known, err := i.store.KnownUserIDs(ctx, serverID, ids)
	if err != nil {
		return nil, fmt.Errorf("validate activity users: %w", err)
	}

	activities := make([]models.Activity, 0, len(candidates))
	for _, c := range candidates {
		a := models.Activity{
			ID:            c.ID,
			ServerID:      serverID,
			Name:          c.Name,
			ShortOverview: c.ShortOverview,
			Type:          c.Type,
			Date:          c.Date,
			Severity:      c.Severity,
		}
		if c.UserID != "" && known[c.UserID] {
			userID := c.UserID
			a.UserID = &userID
		}
		if c.ItemID != "" {
			itemID := c.ItemID
			a.ItemID = &itemID
		}
		activities = append(activities, a)
	}
	return activities, nil
}
