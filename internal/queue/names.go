package queue

// Logical queue names, also used as NATS subjects on the shared stream.
const (
	BackfillJobs         = "inbox_backfill_jobs"
	ThreadSyncJobs       = "thread_sync_jobs"
	WebhookNotifications = "webhook_notifications"
	ExtractionJobs       = "extraction_jobs"
)

// Names lists every logical queue, used to build the shared stream's
// subject set at startup.
var Names = []string{BackfillJobs, ThreadSyncJobs, WebhookNotifications, ExtractionJobs}
