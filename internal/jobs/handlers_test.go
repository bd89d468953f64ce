// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/playlens/playlens/internal/geoloc"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/queue"
	"github.com/playlens/playlens/internal/scheduler"
	"github.com/playlens/playlens/internal/ums"
)

type fakeStore struct {
	servers       map[int64]*models.Server
	noUpstream    []int64
	upstreamSet   map[int64]string
	statusChanges []string
	upsertedUsers int
	results       []*models.JobResult
	upsertUserErr error
}

func (f *fakeStore) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	if srv, ok := f.servers[id]; ok {
		return srv, nil
	}
	return nil, errors.New("no such server")
}

func (f *fakeStore) ServersWithoutUpstreamID(ctx context.Context) ([]int64, error) {
	return f.noUpstream, nil
}

func (f *fakeStore) SetServerUpstreamID(ctx context.Context, id int64, upstreamID string) error {
	if f.upstreamSet == nil {
		f.upstreamSet = make(map[int64]string)
	}
	f.upstreamSet[id] = upstreamID
	return nil
}

func (f *fakeStore) UpdateServerSyncStatus(ctx context.Context, id int64, status models.SyncStatus, progress, syncErr string) error {
	f.statusChanges = append(f.statusChanges, string(status)+"/"+progress)
	return nil
}

func (f *fakeStore) UpsertUsers(ctx context.Context, serverID int64, users []models.UMSUser) error {
	if f.upsertUserErr != nil {
		return f.upsertUserErr
	}
	f.upsertedUsers += len(users)
	return nil
}

func (f *fakeStore) UpsertJobResult(ctx context.Context, r *models.JobResult) error {
	f.results = append(f.results, r)
	return nil
}

type fakeUMS struct {
	info     *models.UMSSystemInfo
	infoErr  error
	users    []models.UMSUser
	usersErr error
}

func (f *fakeUMS) SystemInfo(ctx context.Context) (*models.UMSSystemInfo, error) {
	return f.info, f.infoErr
}
func (f *fakeUMS) Sessions(ctx context.Context) ([]models.UMSSession, error) { return nil, nil }
func (f *fakeUMS) Users(ctx context.Context) ([]models.UMSUser, error) {
	return f.users, f.usersErr
}
func (f *fakeUMS) Activities(ctx context.Context, startIndex, limit int) (*models.UMSActivityPage, error) {
	return &models.UMSActivityPage{}, nil
}

type fakeJobIngest struct {
	n   int
	err error
}

func (f *fakeJobIngest) Ingest(ctx context.Context, serverID int64, client ums.Client, pageSize, maxPages int) (int, error) {
	return f.n, f.err
}

type fakeGeo struct {
	batchSizes []int
	result     geoloc.GeolocateResult
	fpCount    int
}

func (f *fakeGeo) GeolocateActivities(ctx context.Context, serverID int64, batchSize int) (geoloc.GeolocateResult, error) {
	f.batchSizes = append(f.batchSizes, batchSize)
	return f.result, nil
}
func (f *fakeGeo) BackfillActivityLocations(ctx context.Context, serverID int64, batchSize int) (geoloc.GeolocateResult, error) {
	f.batchSizes = append(f.batchSizes, batchSize)
	return f.result, nil
}
func (f *fakeGeo) CalculateFingerprints(ctx context.Context, serverID int64) (int, error) {
	return f.fpCount, nil
}

type fakeSecurity struct {
	counters geoloc.SecuritySyncCounters
	err      error
}

func (f *fakeSecurity) Run(ctx context.Context, serverID int64) (geoloc.SecuritySyncCounters, error) {
	return f.counters, f.err
}

type fakeSender struct {
	sent []string
	keys []string
}

func (f *fakeSender) Send(ctx context.Context, name string, payload any, opts queue.SendOptions) (string, error) {
	f.sent = append(f.sent, name)
	f.keys = append(f.keys, opts.SingletonKey)
	return "job-1", nil
}

func fixture() (*Handlers, *fakeStore, *fakeUMS, *fakeSender) {
	st := &fakeStore{servers: map[int64]*models.Server{
		7: {ID: 7, Name: "den", URL: "http://ums.local"},
	}}
	client := &fakeUMS{users: []models.UMSUser{{ID: "u1"}, {ID: "u2"}}}
	q := &fakeSender{}
	h := New(st, q, &fakeJobIngest{n: 40}, &fakeGeo{}, &fakeSecurity{}, func(models.Server) ums.Client { return client }, nil)
	return h, st, client, q
}

func job(name string, payload string) *queue.Job {
	return &queue.Job{ID: "j-" + name, Name: name, Data: []byte(payload)}
}

func TestActivitySyncRecordsResult(t *testing.T) {
	h, st, _, _ := fixture()

	err := h.handleActivitySync(context.Background(), []*queue.Job{job("activity-sync", `{"serverId":7}`)})
	if err != nil {
		t.Fatalf("handleActivitySync: %v", err)
	}
	if len(st.results) != 1 {
		t.Fatalf("results = %d, want 1", len(st.results))
	}
	r := st.results[0]
	if r.Status != "completed" || r.JobName != "activity-sync" || r.ServerID != 7 {
		t.Errorf("result = %+v", r)
	}
}

func TestUserSyncUpserts(t *testing.T) {
	h, st, _, _ := fixture()

	err := h.handleUserSync(context.Background(), []*queue.Job{job("user-sync", `{"serverId":7}`)})
	if err != nil {
		t.Fatalf("handleUserSync: %v", err)
	}
	if st.upsertedUsers != 2 {
		t.Errorf("upserted %d users, want 2", st.upsertedUsers)
	}
}

func TestFullSyncLifecycle(t *testing.T) {
	h, st, _, _ := fixture()

	err := h.handleFullSync(context.Background(), []*queue.Job{job("full-sync", `{"serverId":7}`)})
	if err != nil {
		t.Fatalf("handleFullSync: %v", err)
	}
	want := []string{"syncing/users", "syncing/activities", "completed/completed"}
	if len(st.statusChanges) != len(want) {
		t.Fatalf("status changes = %v, want %v", st.statusChanges, want)
	}
	for i := range want {
		if st.statusChanges[i] != want[i] {
			t.Fatalf("status changes = %v, want %v", st.statusChanges, want)
		}
	}
}

func TestFullSyncFailureMarksServerFailed(t *testing.T) {
	h, st, client, _ := fixture()
	client.usersErr = errors.New("upstream down")

	err := h.handleFullSync(context.Background(), []*queue.Job{job("full-sync", `{"serverId":7}`)})
	if err == nil {
		t.Fatal("expected failure to propagate for retry accounting")
	}
	last := st.statusChanges[len(st.statusChanges)-1]
	if last != "failed/users" {
		t.Errorf("final status = %s, want failed/users", last)
	}
}

func TestBackfillUpstreamIDsSkipsUnreachable(t *testing.T) {
	h, st, _, _ := fixture()
	st.servers[8] = &models.Server{ID: 8, Name: "attic"}
	st.noUpstream = []int64{7, 8, 9}

	reachable := &fakeUMS{info: &models.UMSSystemInfo{ID: "upstream-abc"}}
	unreachable := &fakeUMS{infoErr: errors.New("refused")}
	h.clients = func(srv models.Server) ums.Client {
		if srv.ID == 7 {
			return reachable
		}
		return unreachable
	}

	err := h.handleBackfillUpstreamIDs(context.Background(), []*queue.Job{job(scheduler.QueueBackfillUpstream, `{}`)})
	if err != nil {
		t.Fatalf("handleBackfillUpstreamIDs: %v", err)
	}
	if st.upstreamSet[7] != "upstream-abc" {
		t.Errorf("server 7 upstream id = %q", st.upstreamSet[7])
	}
	if _, ok := st.upstreamSet[8]; ok {
		t.Error("unreachable server must be skipped, not recorded")
	}
}

func TestGeolocateUsesPayloadBatchSize(t *testing.T) {
	h, _, _, _ := fixture()
	geo := &fakeGeo{result: geoloc.GeolocateResult{Processed: 5}}
	h.pipeline = geo

	err := h.handleGeolocate(context.Background(), []*queue.Job{job(scheduler.QueueGeolocate, `{"serverId":7,"batchSize":100}`)})
	if err != nil {
		t.Fatalf("handleGeolocate: %v", err)
	}
	if len(geo.batchSizes) != 1 || geo.batchSizes[0] != 100 {
		t.Errorf("batch sizes = %v, want [100]", geo.batchSizes)
	}
}

func TestSecuritySyncHandlerRecordsCounters(t *testing.T) {
	h, st, _, _ := fixture()
	h.security = &fakeSecurity{counters: geoloc.SecuritySyncCounters{ActivitiesSynced: 3, AnomaliesDetected: 1}}

	err := h.handleSecuritySync(context.Background(), []*queue.Job{job(scheduler.QueueSecuritySync, `{"serverId":7}`)})
	if err != nil {
		t.Fatalf("handleSecuritySync: %v", err)
	}
	if len(st.results) != 1 || st.results[0].Status != "completed" {
		t.Fatalf("results = %+v", st.results)
	}
}

func TestReconcileDeletedItemsEnqueuesSingleton(t *testing.T) {
	h, _, _, q := fixture()

	if _, err := h.ReconcileDeletedItems(context.Background(), 7); err != nil {
		t.Fatalf("ReconcileDeletedItems: %v", err)
	}
	if len(q.sent) != 1 || q.sent[0] != scheduler.QueueDeletedItems {
		t.Fatalf("sent = %v", q.sent)
	}
	if q.keys[0] != scheduler.QueueDeletedItems+"-7" {
		t.Errorf("singleton key = %q", q.keys[0])
	}
}

func TestMalformedPayloadFailsBatch(t *testing.T) {
	h, _, _, _ := fixture()

	err := h.handleActivitySync(context.Background(), []*queue.Job{job("activity-sync", `{"serverId":0}`)})
	if err == nil {
		t.Fatal("payload without server id must fail")
	}
}

func TestEmbeddingsWritesHeartbeatThenCompletes(t *testing.T) {
	h, st, _, _ := fixture()

	err := h.handleEmbeddings(context.Background(), []*queue.Job{job(scheduler.QueueEmbeddings, `{"serverId":7}`)})
	if err != nil {
		t.Fatalf("handleEmbeddings: %v", err)
	}
	if len(st.results) != 2 {
		t.Fatalf("results = %d, want processing then completed", len(st.results))
	}
	if st.results[0].Status != "processing" || st.results[1].Status != "completed" {
		t.Errorf("statuses = %s, %s", st.results[0].Status, st.results[1].Status)
	}
}
