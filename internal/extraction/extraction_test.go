package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nova-labs/inbox-sync/internal/llm"
	"github.com/nova-labs/inbox-sync/internal/model"
)

type fakeStore struct {
	mu         sync.Mutex
	threads    map[uuid.UUID]*model.Thread
	messages   map[uuid.UUID][]model.Message
	inboxes    map[uuid.UUID]*model.Inbox
	records    map[uuid.UUID][]model.ExtractionRecord
	queueRows  map[uuid.UUID]model.ExtractionStatus
	candidates []model.Thread
	extracted  map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:   make(map[uuid.UUID]*model.Thread),
		messages:  make(map[uuid.UUID][]model.Message),
		inboxes:   make(map[uuid.UUID]*model.Inbox),
		records:   make(map[uuid.UUID][]model.ExtractionRecord),
		queueRows: make(map[uuid.UUID]model.ExtractionStatus),
		extracted: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) ListExtractionCandidates(_ context.Context, limit int) ([]model.Thread, error) {
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakeStore) ExtractionInFlight(_ context.Context, threadID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.queueRows[threadID] {
	case model.ExtractionQueued, model.ExtractionProcessing, model.ExtractionRetrying:
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) EnqueueExtraction(_ context.Context, threadID, _, _ uuid.UUID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueRows[threadID] = model.ExtractionQueued
	return nil
}

func (f *fakeStore) MarkSpamVerdict(_ context.Context, threadID uuid.UUID, isSpam, isPromotional bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.threads[threadID]
	t.IsSpam = isSpam
	t.IsPromotional = isPromotional
	return nil
}

func (f *fakeStore) GetInbox(_ context.Context, inboxID uuid.UUID) (*model.Inbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inbox := *f.inboxes[inboxID]
	return &inbox, nil
}

func (f *fakeStore) GetThread(_ context.Context, threadID uuid.UUID) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return nil, errors.New("thread not found")
	}
	out := *t
	return &out, nil
}

func (f *fakeStore) ListChronological(_ context.Context, threadID uuid.UUID) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[threadID], nil
}

func (f *fakeStore) NextExtractionVersion(_ context.Context, threadID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[threadID]) + 1, nil
}

func (f *fakeStore) SaveExtractionRecord(_ context.Context, rec model.ExtractionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ThreadID] = append(f.records[rec.ThreadID], rec)
	return nil
}

func (f *fakeStore) MarkThreadMessagesExtracted(_ context.Context, threadID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracted[threadID] = true
	return nil
}

func (f *fakeStore) SetExtractionStatus(_ context.Context, threadID uuid.UUID, status model.ExtractionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueRows[threadID] = status
	return nil
}

// fakeLLM returns a canned object per call, recording prompts.
type fakeLLM struct {
	mu      sync.Mutex
	objects [][]byte
	call    int
	prompts []string
	err     error
}

func (l *fakeLLM) GenerateObject(_ context.Context, _ []byte, prompt string, _ llm.GenerateObjectOptions) ([]byte, llm.Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	if l.err != nil {
		return nil, llm.Usage{}, l.err
	}
	obj := l.objects[l.call%len(l.objects)]
	l.call++
	return obj, llm.Usage{InputTokens: 100, OutputTokens: 50}, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []model.ExtractionJob
}

func (q *fakeQueue) Enqueue(_ context.Context, _ string, payload any, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, payload.(model.ExtractionJob))
	return nil
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func addThread(st *fakeStore, subject string) model.Thread {
	inboxID, tenantID := uuid.New(), uuid.New()
	thread := model.Thread{ThreadID: uuid.New(), RemoteThreadID: uuid.NewString(), InboxID: inboxID, Subject: subject}
	st.threads[thread.ThreadID] = &thread
	st.inboxes[inboxID] = &model.Inbox{InboxID: inboxID, TenantID: tenantID, GrantID: "g"}
	return thread
}

func TestEnqueuer_PublishesCleanThread(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "renewal question")
	st.candidates = []model.Thread{thread}
	q := &fakeQueue{}

	e := NewEnqueuer(st, q, nil, EnqueuerConfig{}, zerolog.Nop())
	require.NoError(t, e.EnqueueOnce(context.Background()))

	require.Len(t, q.enqueued, 1)
	require.Equal(t, thread.ThreadID, q.enqueued[0].ThreadID)
	require.Equal(t, st.inboxes[thread.InboxID].TenantID, q.enqueued[0].TenantID)
	require.Equal(t, model.ExtractionQueued, st.queueRows[thread.ThreadID])
}

func TestEnqueuer_SpamGateSkipsAndRecordsVerdict(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "WIN A FREE CRUISE")
	st.candidates = []model.Thread{thread}
	q := &fakeQueue{}
	llmClient := &fakeLLM{objects: [][]byte{mustJSON(t, spamVerdict{IsSpam: true, Confidence: 0.97, Reasoning: "lottery bait"})}}

	e := NewEnqueuer(st, q, llmClient, EnqueuerConfig{SpamDetection: true}, zerolog.Nop())
	require.NoError(t, e.EnqueueOnce(context.Background()))

	require.Empty(t, q.enqueued)
	require.True(t, st.threads[thread.ThreadID].IsSpam)
}

func TestEnqueuer_SkipsThreadAlreadyInFlight(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "ongoing")
	st.candidates = []model.Thread{thread}
	st.queueRows[thread.ThreadID] = model.ExtractionProcessing
	q := &fakeQueue{}

	e := NewEnqueuer(st, q, nil, EnqueuerConfig{}, zerolog.Nop())
	require.NoError(t, e.EnqueueOnce(context.Background()))
	require.Empty(t, q.enqueued)
}

func TestEnqueuer_OneBadCandidateDoesNotBlockBatch(t *testing.T) {
	st := newFakeStore()
	bad := addThread(st, "bad")
	good := addThread(st, "good")
	st.candidates = []model.Thread{bad, good}
	q := &fakeQueue{}
	llmClient := &fakeLLM{err: errors.New("llm down")}

	// Spam detection on: the first candidate's classification fails, the
	// second candidate still fails the same way, but EnqueueOnce itself
	// succeeds.
	e := NewEnqueuer(st, q, llmClient, EnqueuerConfig{SpamDetection: true}, zerolog.Nop())
	require.NoError(t, e.EnqueueOnce(context.Background()))
	require.Empty(t, q.enqueued)

	// With the classifier healthy again both get through.
	llmClient.err = nil
	llmClient.objects = [][]byte{mustJSON(t, spamVerdict{})}
	require.NoError(t, e.EnqueueOnce(context.Background()))
	require.Len(t, q.enqueued, 2)
}

func extractionObject(t *testing.T) []byte {
	return mustJSON(t, extractionResult{
		Summary: "customer asks about renewal", Intent: "question", Urgency: "medium",
		Sentiment: "neutral", NeedsReply: true, Actionability: "reply with pricing",
		Keywords: []string{"renewal"}, Entities: []string{"Acme Corp"}, ReadingTimeSec: 40,
	})
}

func TestWorker_ProcessJob_PersistsVersionedRecord(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "renewal")
	st.messages[thread.ThreadID] = []model.Message{
		{MessageID: uuid.New(), ThreadID: thread.ThreadID, Sender: "a@example.com", Snippet: "hello", SentAt: time.Now().Add(-time.Hour)},
		{MessageID: uuid.New(), ThreadID: thread.ThreadID, Sender: "b@example.com", Snippet: "hi back", SentAt: time.Now()},
	}
	llmClient := &fakeLLM{objects: [][]byte{extractionObject(t)}}

	w := NewWorker(st, llmClient, WorkerConfig{}, zerolog.Nop())
	job := model.ExtractionJob{ThreadID: thread.ThreadID, InboxID: thread.InboxID}
	require.NoError(t, w.ProcessJob(context.Background(), job))

	require.Len(t, st.records[thread.ThreadID], 1)
	require.Equal(t, 1, st.records[thread.ThreadID][0].ExtractionVersion)
	require.True(t, st.extracted[thread.ThreadID])
	require.Equal(t, model.ExtractionCompleted, st.queueRows[thread.ThreadID])

	// Re-extraction bumps the version rather than overwriting.
	require.NoError(t, w.ProcessJob(context.Background(), job))
	require.Len(t, st.records[thread.ThreadID], 2)
	require.Equal(t, 2, st.records[thread.ThreadID][1].ExtractionVersion)
}

func TestWorker_ProcessJob_TranscriptIsChronological(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "ordering")
	early := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)
	st.messages[thread.ThreadID] = []model.Message{
		{ThreadID: thread.ThreadID, Sender: "first@example.com", Snippet: "opening", SentAt: early},
		{ThreadID: thread.ThreadID, Sender: "second@example.com", Snippet: "closing", SentAt: late},
	}
	llmClient := &fakeLLM{objects: [][]byte{extractionObject(t)}}

	w := NewWorker(st, llmClient, WorkerConfig{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), model.ExtractionJob{ThreadID: thread.ThreadID}))

	require.Len(t, llmClient.prompts, 1)
	prompt := llmClient.prompts[0]
	require.Less(t, strings.Index(prompt, "opening"), strings.Index(prompt, "closing"))
}

func TestWorker_ProcessJob_EmptyThreadCompletesWithoutLLM(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "empty")
	llmClient := &fakeLLM{objects: [][]byte{extractionObject(t)}}

	w := NewWorker(st, llmClient, WorkerConfig{}, zerolog.Nop())
	require.NoError(t, w.ProcessJob(context.Background(), model.ExtractionJob{ThreadID: thread.ThreadID}))

	require.Empty(t, llmClient.prompts)
	require.Empty(t, st.records[thread.ThreadID])
	require.Equal(t, model.ExtractionCompleted, st.queueRows[thread.ThreadID])
}

func TestWorker_ProcessJob_LLMFailureLeavesJobRetrying(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "flaky")
	st.messages[thread.ThreadID] = []model.Message{{ThreadID: thread.ThreadID, Snippet: "x", SentAt: time.Now()}}
	llmClient := &fakeLLM{err: errors.New("overloaded")}

	w := NewWorker(st, llmClient, WorkerConfig{}, zerolog.Nop())
	err := w.ProcessJob(context.Background(), model.ExtractionJob{ThreadID: thread.ThreadID})
	require.Error(t, err)
	require.Equal(t, model.ExtractionRetrying, st.queueRows[thread.ThreadID])
}

func TestWorker_HandleExhausted(t *testing.T) {
	st := newFakeStore()
	thread := addThread(st, "doomed")

	w := NewWorker(st, &fakeLLM{}, WorkerConfig{}, zerolog.Nop())
	require.NoError(t, w.HandleExhausted(context.Background(), model.ExtractionJob{ThreadID: thread.ThreadID}, errors.New("kept failing")))
	require.Equal(t, model.ExtractionFailed, st.queueRows[thread.ThreadID])
}
