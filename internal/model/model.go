// Package model defines the domain types shared across every sync role: the
// configuration/inbox/thread/message entities, their lifecycle enums, and the
// payload shapes carried on the durable queues.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConfigStatus is a Configuration's lifecycle state.
type ConfigStatus string

const (
	ConfigIdle       ConfigStatus = "idle"
	ConfigBackfill   ConfigStatus = "backfill"
	ConfigThreadSync ConfigStatus = "thread_sync"
	ConfigCompleted  ConfigStatus = "completed"
	ConfigFailed     ConfigStatus = "failed"
)

// WorkStatus is a thread work row's lifecycle state.
type WorkStatus string

const (
	WorkQueued     WorkStatus = "queued"
	WorkProcessing WorkStatus = "processing"
	WorkCompleted  WorkStatus = "completed"
	WorkFailed     WorkStatus = "failed"
)

// ExtractionStatus tracks an extraction_queue row and a message's per-row
// extraction_status column.
type ExtractionStatus string

const (
	ExtractionQueued    ExtractionStatus = "queued"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionRetrying  ExtractionStatus = "retrying"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Checkpoint is the JSON blob persisted on a Configuration row, resumable
// across restarts. CurrentPage only ever advances for a given config_id
// until the checkpoint is cleared on completion.
type Checkpoint struct {
	LastPageToken string    `json:"last_page_token,omitempty"`
	ThreadsQueued int       `json:"threads_queued"`
	CurrentPage   int       `json:"current_page"`
	LastError     string    `json:"last_error,omitempty"`
	FailedAt      time.Time `json:"failed_at,omitempty"`
}

// Configuration is a per-tenant inbox-sync setup.
type Configuration struct {
	ConfigID    uuid.UUID
	InboxID     uuid.UUID
	Status      ConfigStatus
	Checkpoint  Checkpoint
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Inbox binds a configuration to a remote credential. The GrantID here is
// authoritative; any denormalized copy on a work row yields to this one on
// conflict.
type Inbox struct {
	InboxID     uuid.UUID
	TenantID    uuid.UUID
	GrantID     string
	AuthExpired bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ThreadWork is the orchestrator's per-thread tracking record, unique on
// (ConfigID, RemoteThreadID).
type ThreadWork struct {
	ConfigID       uuid.UUID
	RemoteThreadID string
	GrantID        string
	Status         WorkStatus
	MessagesSynced int
	QueuedAt       time.Time
	StartedAt      *time.Time
	ProcessedAt    *time.Time
	PgmqQueuedAt   *time.Time
}

// SyncStats is the per-configuration counter row. ThreadsTotal is always 0
// in practice (the provider never reports a page total); progress should be
// computed over ThreadsQueued.
type SyncStats struct {
	ConfigID          uuid.UUID
	ThreadsTotal      int
	ThreadsQueued     int
	ThreadsProcessing int
	ThreadsCompleted  int
	ThreadsFailed     int
	MessagesSynced    int
	SyncStartedAt     *time.Time
	LastThreadAt      *time.Time
	SyncCompletedAt   *time.Time
}

// Done reports whether the configuration may close: every ever-queued
// thread has terminated, nothing is processing, and nothing is still
// waiting to start. An empty configuration (ThreadsQueued == 0) never
// closes through this path.
func (s SyncStats) Done(queuedStatusCount, processingCount int) bool {
	return s.ThreadsQueued > 0 &&
		s.ThreadsCompleted+s.ThreadsFailed >= s.ThreadsQueued &&
		processingCount == 0 &&
		queuedStatusCount == 0
}

// Thread is persisted thread metadata, unique on RemoteThreadID.
type Thread struct {
	ThreadID       uuid.UUID
	RemoteThreadID string
	InboxID        uuid.UUID
	Subject        string
	Participants   []string
	LatestAt       time.Time
	Unread         bool
	Starred        bool
	IsSpam         bool
	IsPromotional  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a persisted message, unique on RemoteMessageID. Sender and
// Snippet are the pieces of content the extraction worker composes its
// transcript from; full bodies live outside this schema.
type Message struct {
	MessageID        uuid.UUID
	RemoteMessageID  string
	ThreadID         uuid.UUID
	Sender           string
	Snippet          string
	SentAt           time.Time
	ExtractionStatus ExtractionStatus
	CreatedAt        time.Time
}

// ExtractionRecord is the structured LLM output for a thread, versioned.
type ExtractionRecord struct {
	ThreadID         uuid.UUID
	ExtractionVersion int
	Summary          string
	Intent           string
	Urgency          string
	Sentiment        string
	NeedsReply       bool
	Actionability    string
	Scores           map[string]float64
	Tags             []string
	Tasks            []string
	Risks            []string
	Keywords         []string
	Entities         []string
	Participants     []string
	ProjectTag       string
	MessageType      string
	IsReply          bool
	IsForward        bool
	ReadingTimeSec   int
	CreatedAt        time.Time
}

// NotificationStatus records how a webhook notification was ultimately
// disposed of on its audit row.
type NotificationStatus string

const (
	NotificationProcessed NotificationStatus = "processed"
	NotificationError     NotificationStatus = "error"
)

// --- Durable queue payloads ---

// BackfillJob is the payload on inbox_backfill_jobs.
type BackfillJob struct {
	InboxID   uuid.UUID `json:"inbox_id"`
	ConfigID  uuid.UUID `json:"config_id"`
	GrantID   string    `json:"grant_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// ThreadSyncJob is the payload on thread_sync_jobs.
type ThreadSyncJob struct {
	RemoteThreadID string    `json:"thread_id"`
	GrantID        string    `json:"grant_id"`
	InboxID        uuid.UUID `json:"inbox_id"`
	ConfigID       uuid.UUID `json:"config_id"`
}

// WebhookNotification is the payload on webhook_notifications. Payload is
// kept as raw JSON: its shape is provider-defined and varies by
// NotificationType, parsed at the single ingest boundary in internal/webhook.
type WebhookNotification struct {
	NotificationID   uuid.UUID       `json:"notification_id"`
	WebhookID        string          `json:"webhook_id"`
	InboxID          uuid.UUID       `json:"inbox_id"`
	NotificationType string          `json:"notification_type"`
	GrantID          string          `json:"grant_id"`
	Payload          json.RawMessage `json:"payload"`
	ReceivedAt       time.Time       `json:"received_at"`
}

// ExtractionJob is the payload on extraction_jobs.
type ExtractionJob struct {
	ThreadID uuid.UUID `json:"thread_id"`
	InboxID  uuid.UUID `json:"inbox_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Priority int       `json:"priority"`
}
