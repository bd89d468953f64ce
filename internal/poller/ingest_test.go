// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package poller

import (
	"context"
	"testing"
	"time"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/models"
)

type fakeIngestStore struct {
	cursor     *models.ActivityLogCursor
	knownUsers map[string]bool

	advanced []models.ActivityLogCursor
	upserted [][]models.Activity
}

func (f *fakeIngestStore) GetActivityCursor(ctx context.Context, serverID int64) (*models.ActivityLogCursor, error) {
	if f.cursor == nil {
		return nil, database.ErrNotFound
	}
	return f.cursor, nil
}

func (f *fakeIngestStore) AdvanceActivityCursor(ctx context.Context, c models.ActivityLogCursor) error {
	f.advanced = append(f.advanced, c)
	f.cursor = &c
	return nil
}

func (f *fakeIngestStore) KnownUserIDs(ctx context.Context, serverID int64, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range ids {
		if f.knownUsers[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeIngestStore) UpsertActivities(ctx context.Context, activities []models.Activity) error {
	f.upserted = append(f.upserted, activities)
	return nil
}

type fakeActivityClient struct {
	pages [][]models.UMSActivityEntry
	calls int
}

func (f *fakeActivityClient) SystemInfo(ctx context.Context) (*models.UMSSystemInfo, error) {
	return nil, nil
}
func (f *fakeActivityClient) Sessions(ctx context.Context) ([]models.UMSSession, error) {
	return nil, nil
}
func (f *fakeActivityClient) Users(ctx context.Context) ([]models.UMSUser, error) {
	return nil, nil
}
func (f *fakeActivityClient) Activities(ctx context.Context, startIndex, limit int) (*models.UMSActivityPage, error) {
	f.calls++
	page := startIndex / limit
	if page >= len(f.pages) {
		return &models.UMSActivityPage{}, nil
	}
	return &models.UMSActivityPage{Items: f.pages[page]}, nil
}

func entry(id int64, date time.Time, userID string) models.UMSActivityEntry {
	return models.UMSActivityEntry{
		ID:     id,
		Name:   "played something",
		Type:   "SessionStarted",
		Date:   date.Format(time.RFC3339),
		UserID: userID,
	}
}

func TestFirstContactInitializesCursor(t *testing.T) {
	store := &fakeIngestStore{}
	client := &fakeActivityClient{}
	ing := NewActivityIngestor(store)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ing.now = func() time.Time { return now }

	n, err := ing.Ingest(context.Background(), 1, client, 4, 50)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(store.advanced) != 1 {
		t.Fatalf("cursor advanced %d times, want initialization only", len(store.advanced))
	}
	want := now.Add(-10 * time.Minute)
	if !store.advanced[0].CursorDate.Equal(want) {
		t.Errorf("init cursor = %v, want %v", store.advanced[0].CursorDate, want)
	}
	// Initialization still pages from the fresh cursor within the same pass.
	if n != 0 || client.calls != 1 {
		t.Errorf("n = %d calls = %d", n, client.calls)
	}
}

// Newest-first log [A7, A6, A5, A4] with the cursor at A5: A7 and A6 are
// accepted oldest-first and the cursor lands on A7.
func TestStopsAtCursorID(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cursorID := int64(5)
	store := &fakeIngestStore{
		cursor: &models.ActivityLogCursor{
			ServerID:   1,
			CursorDate: base.Add(-time.Hour),
			CursorID:   &cursorID,
		},
		knownUsers: map[string]bool{"u1": true},
	}
	client := &fakeActivityClient{pages: [][]models.UMSActivityEntry{{
		entry(7, base.Add(3*time.Minute), "u1"),
		entry(6, base.Add(2*time.Minute), "u1"),
		entry(5, base.Add(1*time.Minute), "u1"),
		entry(4, base, "u1"),
	}}}
	ing := NewActivityIngestor(store)

	n, err := ing.Ingest(context.Background(), 1, client, 4, 50)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested %d rows, want 2", n)
	}

	rows := store.upserted[0]
	if rows[0].ID != 6 || rows[1].ID != 7 {
		t.Errorf("rows ordered %d,%d, want oldest-first 6,7", rows[0].ID, rows[1].ID)
	}
	last := store.advanced[len(store.advanced)-1]
	if last.CursorID == nil || *last.CursorID != 7 {
		t.Errorf("cursor id = %v, want 7", last.CursorID)
	}
	if !last.CursorDate.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("cursor date = %v, want date of A7", last.CursorDate)
	}
}

func TestStopsAtCursorDate(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeIngestStore{
		cursor: &models.ActivityLogCursor{ServerID: 1, CursorDate: base},
	}
	client := &fakeActivityClient{pages: [][]models.UMSActivityEntry{{
		entry(9, base.Add(time.Minute), ""),
		entry(8, base, ""), // not after the cursor date
		entry(7, base.Add(-time.Minute), ""),
	}}}
	ing := NewActivityIngestor(store)

	n, err := ing.Ingest(context.Background(), 1, client, 3, 50)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 1 || store.upserted[0][0].ID != 9 {
		t.Errorf("ingested %d rows, want only A9", n)
	}
}

func TestUnknownUserStoredWithNullUser(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeIngestStore{
		cursor:     &models.ActivityLogCursor{ServerID: 1, CursorDate: base.Add(-time.Hour)},
		knownUsers: map[string]bool{"known": true},
	}
	client := &fakeActivityClient{pages: [][]models.UMSActivityEntry{{
		entry(2, base.Add(2*time.Minute), "stranger"),
		entry(1, base.Add(1*time.Minute), "known"),
	}}}
	ing := NewActivityIngestor(store)

	if _, err := ing.Ingest(context.Background(), 1, client, 4, 50); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	rows := store.upserted[0]
	if rows[0].UserID == nil || *rows[0].UserID != "known" {
		t.Errorf("known user row = %v", rows[0].UserID)
	}
	if rows[1].UserID != nil {
		t.Errorf("unknown user row should have nil user, got %v", *rows[1].UserID)
	}
}

func TestPageCapBoundsWork(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeIngestStore{
		cursor: &models.ActivityLogCursor{ServerID: 1, CursorDate: base.Add(-24 * time.Hour)},
	}
	// Every page is full and all entries are newer than the cursor.
	var pages [][]models.UMSActivityEntry
	id := int64(1000)
	for p := 0; p < 10; p++ {
		var items []models.UMSActivityEntry
		for j := 0; j < 2; j++ {
			items = append(items, entry(id, base.Add(-time.Duration(id)*time.Second), ""))
			id--
		}
		pages = append(pages, items)
	}
	client := &fakeActivityClient{pages: pages}
	ing := NewActivityIngestor(store)

	n, err := ing.Ingest(context.Background(), 1, client, 2, 3)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("made %d page calls, want capped at 3", client.calls)
	}
	if n != 6 {
		t.Errorf("ingested %d rows, want 6", n)
	}
}

func TestCursorNeverMovesBackward(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cursorID := int64(100)
	store := &fakeIngestStore{
		cursor: &models.ActivityLogCursor{ServerID: 1, CursorDate: base, CursorID: &cursorID},
	}
	// Upstream only has entries older than the cursor.
	client := &fakeActivityClient{pages: [][]models.UMSActivityEntry{{
		entry(99, base.Add(-time.Minute), ""),
	}}}
	ing := NewActivityIngestor(store)

	if _, err := ing.Ingest(context.Background(), 1, client, 4, 50); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(store.advanced) != 0 {
		t.Errorf("cursor advanced with no accepted rows: %v", store.advanced)
	}
}
