// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"

	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/logging"
)

// backfillHardCap bounds one backfill run regardless of batch size.
const backfillHardCap = 100_000

// BackfillActivityLocations drains the unlocated-activity backlog for one
// server, batch by batch, until a batch comes back short or the hard cap is
// hit. Emits a progress event per batch.
func (p *Pipeline) BackfillActivityLocations(ctx context.Context, serverID int64, batchSize int) (GeolocateResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total GeolocateResult
	for total.Processed < backfillHardCap {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		batch, err := p.GeolocateActivities(ctx, serverID, batchSize)
		total.Processed += batch.Processed
		total.Located += batch.Located
		total.Anomalies += batch.Anomalies
		if err != nil {
			return total, err
		}

		p.publish(events.Event{
			Type:     "job:progress",
			JobName:  "backfill-activity-locations",
			ServerID: serverID,
			Data: map[string]any{
				"processed": total.Processed,
				"located":   total.Located,
				"anomalies": total.Anomalies,
			},
		})

		if batch.Processed < batchSize {
			return total, nil
		}
	}

	logging.Warn().Int64("server_id", serverID).Int("processed", total.Processed).
		Msg("Location backfill hit hard cap, remainder deferred to next run")
	return total, nil
}
