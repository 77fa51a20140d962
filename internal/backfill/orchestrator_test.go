package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
)

// fakeStore is an in-memory Store implementing the same narrow interface
// the pgx-backed store satisfies.
type fakeStore struct {
	mu            sync.Mutex
	configs       map[uuid.UUID]*model.Configuration
	inboxes       map[uuid.UUID]*model.Inbox
	threads       map[string]bool
	work          map[string]*model.ThreadWork
	queuedCounter map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs:       make(map[uuid.UUID]*model.Configuration),
		inboxes:       make(map[uuid.UUID]*model.Inbox),
		threads:       make(map[string]bool),
		work:          make(map[string]*model.ThreadWork),
		queuedCounter: make(map[uuid.UUID]int),
	}
}

func workKey(configID uuid.UUID, remoteThreadID string) string {
	return configID.String() + "|" + remoteThreadID
}

func (f *fakeStore) GetConfiguration(_ context.Context, configID uuid.UUID) (*model.Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.configs[configID]
	return &c, nil
}

func (f *fakeStore) SetStatus(_ context.Context, configID uuid.UUID, status model.ConfigStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[configID].Status = status
	return nil
}

func (f *fakeStore) StampStarted(_ context.Context, configID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configs[configID].StartedAt == nil {
		now := time.Now()
		f.configs[configID].StartedAt = &now
	}
	return nil
}

func (f *fakeStore) InitStats(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeStore) SaveCheckpoint(_ context.Context, configID uuid.UUID, checkpoint model.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[configID].Checkpoint = checkpoint
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, configID uuid.UUID, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[configID].Status = model.ConfigFailed
	f.configs[configID].Checkpoint.LastError = cause.Error()
	return nil
}

func (f *fakeStore) ThreadExists(_ context.Context, remoteThreadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[remoteThreadID], nil
}

func (f *fakeStore) UpsertQueued(_ context.Context, configID uuid.UUID, remoteThreadID, grantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workKey(configID, remoteThreadID)
	if row, ok := f.work[key]; ok {
		row.Status = model.WorkQueued
		row.QueuedAt = time.Now()
		if grantID != "" {
			row.GrantID = grantID
		}
		return nil
	}
	f.work[key] = &model.ThreadWork{
		ConfigID: configID, RemoteThreadID: remoteThreadID, GrantID: grantID,
		Status: model.WorkQueued, QueuedAt: time.Now(),
	}
	return nil
}

func (f *fakeStore) IncrQueued(_ context.Context, configID uuid.UUID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedCounter[configID] += n
	return nil
}

func (f *fakeStore) StampPgmqQueued(_ context.Context, configID uuid.UUID, remoteThreadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.work[workKey(configID, remoteThreadID)].PgmqQueuedAt = &now
	return nil
}

func (f *fakeStore) ListQueued(_ context.Context, configID uuid.UUID) ([]model.ThreadWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ThreadWork
	for _, row := range f.work {
		if row.ConfigID == configID && row.Status == model.WorkQueued {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeStore) ListUnpublished(_ context.Context, limit int) ([]model.ThreadWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ThreadWork
	for _, row := range f.work {
		if row.Status == model.WorkQueued && row.PgmqQueuedAt == nil {
			out = append(out, *row)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetInbox(_ context.Context, inboxID uuid.UUID) (*model.Inbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inbox := *f.inboxes[inboxID]
	return &inbox, nil
}

// fakeQueue records every enqueued payload.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []model.ThreadSyncJob
}

func (q *fakeQueue) Enqueue(_ context.Context, _ string, payload any, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, payload.(model.ThreadSyncJob))
	return nil
}

// fakeProvider returns its configured pages in order, with a non-empty
// cursor on every page but the last, and an empty page once they run out.
type fakeProvider struct {
	pages [][]provider.Thread
	call  int
}

func (p *fakeProvider) ListThreads(_ context.Context, _ string, _ provider.ListThreadsParams) (provider.ListThreadsResult, error) {
	if p.call >= len(p.pages) {
		return provider.ListThreadsResult{}, nil
	}
	data := p.pages[p.call]
	p.call++
	cursor := ""
	if p.call < len(p.pages) {
		cursor = "next"
	}
	return provider.ListThreadsResult{Data: data, NextCursor: cursor}, nil
}

func newHarness(job model.BackfillJob) (*fakeStore, *fakeQueue, *fakeProvider) {
	st := newFakeStore()
	st.configs[job.ConfigID] = &model.Configuration{ConfigID: job.ConfigID, InboxID: job.InboxID, Status: model.ConfigIdle}
	st.inboxes[job.InboxID] = &model.Inbox{InboxID: job.InboxID, GrantID: job.GrantID}
	return st, &fakeQueue{}, &fakeProvider{}
}

func TestOrchestrator_FreshBackfillTwoThreads(t *testing.T) {
	job := model.BackfillJob{
		ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "grant-1",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	st, q, prov := newHarness(job)
	prov.pages = [][]provider.Thread{{{ID: "T1"}, {ID: "T2"}}}

	o := New(st, q, prov, Config{}, zerolog.Nop())
	require.NoError(t, o.ProcessJob(context.Background(), job))

	require.Equal(t, model.ConfigThreadSync, st.configs[job.ConfigID].Status)
	require.Len(t, q.enqueued, 2)
	require.Equal(t, 2, st.queuedCounter[job.ConfigID])
	for _, w := range st.work {
		require.NotNil(t, w.PgmqQueuedAt)
	}
}

func TestOrchestrator_SkipsAlreadyPersistedThread(t *testing.T) {
	job := model.BackfillJob{
		ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "grant-1",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	st, q, prov := newHarness(job)
	st.threads["T1"] = true
	prov.pages = [][]provider.Thread{{{ID: "T1"}, {ID: "T2"}}}

	o := New(st, q, prov, Config{}, zerolog.Nop())
	require.NoError(t, o.ProcessJob(context.Background(), job))

	require.Len(t, q.enqueued, 1)
	require.Equal(t, "T2", q.enqueued[0].RemoteThreadID)
}

func TestOrchestrator_GrantRequeuePreservesCredential(t *testing.T) {
	st := newFakeStore()
	configID := uuid.New()
	require.NoError(t, st.UpsertQueued(context.Background(), configID, "T1", "G1"))
	require.NoError(t, st.UpsertQueued(context.Background(), configID, "T1", "G2"))

	row := st.work[workKey(configID, "T1")]
	require.Equal(t, "G2", row.GrantID)
	require.Equal(t, model.WorkQueued, row.Status)
}

func TestOrchestrator_GrantRequeueNeverNullsOutCredential(t *testing.T) {
	st := newFakeStore()
	configID := uuid.New()
	require.NoError(t, st.UpsertQueued(context.Background(), configID, "T1", "G1"))
	require.NoError(t, st.UpsertQueued(context.Background(), configID, "T1", ""))

	row := st.work[workKey(configID, "T1")]
	require.Equal(t, "G1", row.GrantID)
}

func TestClampRange(t *testing.T) {
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	exact := end.AddDate(0, 0, -365)
	gotStart, gotEnd := clampRange(exact, end, 365)
	require.True(t, gotStart.Equal(exact), "exactly 365 days should be accepted unchanged")
	require.True(t, gotEnd.Equal(end))

	tooFar := end.AddDate(0, 0, -366)
	gotStart, _ = clampRange(tooFar, end, 365)
	require.True(t, gotStart.After(tooFar), "366-day range should advance start_date forward")
	require.Equal(t, end.AddDate(0, 0, -365), gotStart)
}

func TestOrchestrator_Sweep(t *testing.T) {
	st := newFakeStore()
	configID, inboxID := uuid.New(), uuid.New()
	st.configs[configID] = &model.Configuration{ConfigID: configID, InboxID: inboxID}
	st.inboxes[inboxID] = &model.Inbox{InboxID: inboxID, GrantID: "grant-x"}

	for i := 0; i < 50; i++ {
		require.NoError(t, st.UpsertQueued(context.Background(), configID, uuid.NewString(), ""))
	}

	q := &fakeQueue{}
	o := New(st, q, &fakeProvider{}, Config{}, zerolog.Nop())
	require.NoError(t, o.Sweep(context.Background()))

	require.Len(t, q.enqueued, 50)
	for _, w := range st.work {
		require.NotNil(t, w.PgmqQueuedAt)
	}
	for _, j := range q.enqueued {
		require.Equal(t, "grant-x", j.GrantID)
	}
}
