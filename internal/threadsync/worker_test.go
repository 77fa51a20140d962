package threadsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nova-labs/inbox-sync/internal/model"
	"github.com/nova-labs/inbox-sync/internal/provider"
)

type fakeStore struct {
	mu               sync.Mutex
	inboxes          map[uuid.UUID]*model.Inbox
	work             map[string]*model.ThreadWork
	threadsByRemote  map[string]*model.Thread
	messagesByRemote map[string]*model.Message
	processingMoves  int
	completedMoves   int
	failedMoves      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inboxes:          make(map[uuid.UUID]*model.Inbox),
		work:             make(map[string]*model.ThreadWork),
		threadsByRemote:  make(map[string]*model.Thread),
		messagesByRemote: make(map[string]*model.Message),
	}
}

func workKey(configID uuid.UUID, remoteThreadID string) string {
	return configID.String() + "|" + remoteThreadID
}

func (f *fakeStore) MarkProcessing(_ context.Context, configID uuid.UUID, remoteThreadID string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workKey(configID, remoteThreadID)
	row, ok := f.work[key]
	if !ok {
		row = &model.ThreadWork{ConfigID: configID, RemoteThreadID: remoteThreadID, Status: model.WorkQueued}
		f.work[key] = row
	}
	switch row.Status {
	case model.WorkQueued:
		row.Status = model.WorkProcessing
		return true, true, nil
	case model.WorkProcessing:
		return true, false, nil
	}
	return false, false, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, configID uuid.UUID, remoteThreadID string, messagesSynced int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.work[workKey(configID, remoteThreadID)]
	row.Status = model.WorkCompleted
	row.MessagesSynced = messagesSynced
	return nil
}

func (f *fakeStore) MarkThreadWorkFailed(_ context.Context, configID uuid.UUID, remoteThreadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workKey(configID, remoteThreadID)
	if row, ok := f.work[key]; ok {
		row.Status = model.WorkFailed
	}
	return nil
}

func (f *fakeStore) MoveQueuedToProcessing(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processingMoves++
	return nil
}

func (f *fakeStore) MoveProcessingToCompleted(_ context.Context, _ uuid.UUID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedMoves++
	return nil
}

func (f *fakeStore) MoveProcessingToFailed(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedMoves++
	return nil
}

func (f *fakeStore) GetInbox(_ context.Context, inboxID uuid.UUID) (*model.Inbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inbox := *f.inboxes[inboxID]
	return &inbox, nil
}

func (f *fakeStore) UpsertThread(_ context.Context, t model.Thread) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.threadsByRemote[t.RemoteThreadID]; ok {
		t.ThreadID = existing.ThreadID
	} else {
		t.ThreadID = uuid.New()
	}
	f.threadsByRemote[t.RemoteThreadID] = &t
	return t.ThreadID, nil
}

func (f *fakeStore) GetThreadByRemoteID(_ context.Context, remoteThreadID string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threadsByRemote[remoteThreadID]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func (f *fakeStore) UpsertMessage(_ context.Context, m model.Message) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.RemoteMessageID == "FAIL" {
		return uuid.UUID{}, errors.New("simulated upsert failure")
	}
	m.MessageID = uuid.New()
	f.messagesByRemote[m.RemoteMessageID] = &m
	return m.MessageID, nil
}

func (f *fakeStore) MessageExists(_ context.Context, remoteMessageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.messagesByRemote[remoteMessageID]
	return ok, nil
}

type fakeProvider struct {
	threads     map[string]provider.Thread
	messages    map[string][]provider.Message
	findMessage map[string]provider.Message
	threadErr   error
}

func (p *fakeProvider) FindThread(_ context.Context, _, threadID string) (provider.Thread, error) {
	if p.threadErr != nil {
		return provider.Thread{}, p.threadErr
	}
	t, ok := p.threads[threadID]
	if !ok {
		return provider.Thread{}, provider.ErrNotFound
	}
	return t, nil
}

func (p *fakeProvider) ListMessages(_ context.Context, _ string, params provider.ListMessagesParams) ([]provider.Message, error) {
	return p.messages[params.ThreadID], nil
}

func (p *fakeProvider) FindMessage(_ context.Context, _, messageID string) (provider.Message, error) {
	m, ok := p.findMessage[messageID]
	if !ok {
		return provider.Message{}, provider.ErrNotFound
	}
	return m, nil
}

func TestWorker_ProcessJob_HappyPath(t *testing.T) {
	job := model.ThreadSyncJob{
		ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "grant-1", RemoteThreadID: "T1",
	}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkQueued,
	}
	prov := &fakeProvider{
		threads: map[string]provider.Thread{"T1": {ID: "T1", Subject: "hi"}},
		messages: map[string][]provider.Message{
			"T1": {{ID: "M1", SentAt: time.Now()}, {ID: "M2", SentAt: time.Now()}},
		},
	}

	w := New(st, prov, Config{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), job))

	row := st.work[workKey(job.ConfigID, job.RemoteThreadID)]
	require.Equal(t, model.WorkCompleted, row.Status)
	require.Equal(t, 2, row.MessagesSynced)
	require.Equal(t, 1, st.completedMoves)
	require.Len(t, st.messagesByRemote, 2)
}

func TestWorker_ProcessJob_ThreadNotFoundClosesWithZeroMessages(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "grant-1", RemoteThreadID: "GONE"}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkQueued,
	}
	prov := &fakeProvider{threads: map[string]provider.Thread{}}

	w := New(st, prov, Config{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), job))

	row := st.work[workKey(job.ConfigID, job.RemoteThreadID)]
	require.Equal(t, model.WorkCompleted, row.Status)
	require.Equal(t, 0, row.MessagesSynced)
}

func TestWorker_ProcessJob_ResolvesGrantFromInboxFallback(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), RemoteThreadID: "T1"}
	st := newFakeStore()
	st.inboxes[job.InboxID] = &model.Inbox{InboxID: job.InboxID, GrantID: "fallback-grant"}
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkQueued,
	}
	prov := &fakeProvider{threads: map[string]provider.Thread{"T1": {ID: "T1"}}}

	w := New(st, prov, Config{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), job))
	require.Equal(t, model.WorkCompleted, st.work[workKey(job.ConfigID, job.RemoteThreadID)].Status)
}

func TestWorker_ProcessJob_NoCredentialFailsPermanently(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), RemoteThreadID: "T1"}
	st := newFakeStore()
	st.inboxes[job.InboxID] = &model.Inbox{InboxID: job.InboxID, GrantID: ""}
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkQueued,
	}

	w := New(st, &fakeProvider{}, Config{}, zerolog.Nop())
	err := w.ProcessJob(context.Background(), job)
	require.ErrorIs(t, err, ErrPermanent)
	require.Equal(t, model.WorkFailed, st.work[workKey(job.ConfigID, job.RemoteThreadID)].Status)
}

func TestWorker_ProcessJob_SkipsTerminatedRow(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "g", RemoteThreadID: "T1"}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkCompleted,
	}

	w := New(st, &fakeProvider{}, Config{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), job))
	require.Equal(t, 0, st.processingMoves)
}

func TestWorker_ProcessJob_RedeliveryReclaimsProcessingRowOnce(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "g", RemoteThreadID: "T1"}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkProcessing,
	}
	prov := &fakeProvider{threads: map[string]provider.Thread{"T1": {ID: "T1"}}}

	w := New(st, prov, Config{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), job))

	require.Equal(t, model.WorkCompleted, st.work[workKey(job.ConfigID, job.RemoteThreadID)].Status)
	require.Equal(t, 0, st.processingMoves, "a re-claim must not move the queued->processing counter again")
}

func TestWorker_ProcessJob_TransientFetchFailureLeavesRowProcessing(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "g", RemoteThreadID: "T1"}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkQueued,
	}
	prov := &fakeProvider{threadErr: errors.New("provider timeout")}

	w := New(st, prov, Config{}, zerolog.Nop())
	err := w.ProcessJob(context.Background(), job)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPermanent)
	require.Equal(t, model.WorkProcessing, st.work[workKey(job.ConfigID, job.RemoteThreadID)].Status)
}

func TestWorker_HandleExhausted_MarksRowFailed(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "g", RemoteThreadID: "T1"}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkProcessing,
	}

	w := New(st, &fakeProvider{}, Config{}, zerolog.Nop())
	require.NoError(t, w.HandleExhausted(context.Background(), job, errors.New("max deliveries reached")))
	require.Equal(t, model.WorkFailed, st.work[workKey(job.ConfigID, job.RemoteThreadID)].Status)
	require.Equal(t, 1, st.failedMoves)
}

func TestWorker_ProcessJob_IndividualMessageFailureDoesNotAbortThread(t *testing.T) {
	job := model.ThreadSyncJob{ConfigID: uuid.New(), InboxID: uuid.New(), GrantID: "g", RemoteThreadID: "T1"}
	st := newFakeStore()
	st.work[workKey(job.ConfigID, job.RemoteThreadID)] = &model.ThreadWork{
		ConfigID: job.ConfigID, RemoteThreadID: job.RemoteThreadID, Status: model.WorkQueued,
	}
	prov := &fakeProvider{
		threads: map[string]provider.Thread{"T1": {ID: "T1"}},
		messages: map[string][]provider.Message{
			"T1": {{ID: "FAIL", SentAt: time.Now()}, {ID: "M2", SentAt: time.Now()}},
		},
	}

	w := New(st, prov, Config{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), job))

	row := st.work[workKey(job.ConfigID, job.RemoteThreadID)]
	require.Equal(t, model.WorkCompleted, row.Status)
	require.Equal(t, 2, row.MessagesSynced, "messages_synced reflects fetched count even if one upsert failed")
	require.Len(t, st.messagesByRemote, 1)
}

func TestWorker_UpsertMessageByRemoteID_CreatesThreadWhenMissing(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{
		threads:     map[string]provider.Thread{"T1": {ID: "T1", Subject: "new thread"}},
		findMessage: map[string]provider.Message{"M1": {ID: "M1", SentAt: time.Now()}},
	}
	w := New(st, prov, Config{}, zerolog.Nop())

	err := w.UpsertMessageByRemoteID(context.Background(), "grant", uuid.New(), "T1", "M1")
	require.NoError(t, err)
	require.Contains(t, st.threadsByRemote, "T1")
	require.Contains(t, st.messagesByRemote, "M1")
}

func TestWorker_UpsertMessageByRemoteID_ReplayIsNoop(t *testing.T) {
	st := newFakeStore()
	existing := model.Message{MessageID: uuid.New(), RemoteMessageID: "M1"}
	st.messagesByRemote["M1"] = &existing
	prov := &fakeProvider{}
	w := New(st, prov, Config{}, zerolog.Nop())

	// The provider has no record of M1, so any fetch would fail; the replay
	// must short-circuit on local existence alone.
	require.NoError(t, w.UpsertMessageByRemoteID(context.Background(), "grant", uuid.New(), "T1", "M1"))
	require.Equal(t, existing.MessageID, st.messagesByRemote["M1"].MessageID)
}

func TestWorker_UpsertMessageByRemoteID_MessageNotFoundIsNoop(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	w := New(st, prov, Config{}, zerolog.Nop())

	err := w.UpsertMessageByRemoteID(context.Background(), "grant", uuid.New(), "T1", "M1")
	require.NoError(t, err)
	require.Empty(t, st.messagesByRemote)
}
