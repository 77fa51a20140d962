package appconfig

import (
	"time"

	"github.com/knadh/koanf/v2"
)

func durationOr(ko *koanf.Koanf, key string, fallback time.Duration) time.Duration {
	if d := ko.Duration(key); d > 0 {
		return d
	}
	return fallback
}

func intOr(ko *koanf.Koanf, key string, fallback int) int {
	if n := ko.Int(key); n > 0 {
		return n
	}
	return fallback
}

// NATS holds the queue substrate's connection settings.
type NATS struct {
	URL string
}

// LoadNATS reads the nats.* keys.
func LoadNATS(ko *koanf.Koanf) NATS {
	return NATS{URL: ko.String("nats.url")}
}

// Redis holds the leader-lock backend's connection settings.
type Redis struct {
	Addr string
}

// LoadRedis reads the redis.* keys.
func LoadRedis(ko *koanf.Koanf) Redis {
	return Redis{Addr: ko.String("redis.addr")}
}

// Provider holds the remote email provider HTTP client's settings.
type Provider struct {
	BaseURL string
	Timeout time.Duration
}

// LoadProvider reads the provider.* keys.
func LoadProvider(ko *koanf.Koanf) Provider {
	return Provider{
		BaseURL: ko.String("provider.base_url"),
		Timeout: ko.Duration("provider.timeout"),
	}
}

// LLM holds the Anthropic client's settings, shared by the spam classifier
// and the extraction worker.
type LLM struct {
	APIKey      string
	Timeout     time.Duration
}

// LoadLLM reads the llm.* keys. The API key is read from config rather than
// hardcoded so cmd/* can source it from an environment override
// (LLM_API_KEY), keeping secrets out of config.toml itself.
func LoadLLM(ko *koanf.Koanf) LLM {
	return LLM{
		APIKey:  ko.String("llm.api_key"),
		Timeout: ko.Duration("llm.timeout"),
	}
}

// Backfill holds the orchestrator's settings.
type Backfill struct {
	PollInterval      time.Duration
	VisibilitySeconds int
	MaxRetries        int
	BatchSize         int
	PageSize          int
	MaxRangeDays      int
	SweepBatchSize    int
	SweepWorkers      int
	LeaseTTL          time.Duration
}

// LoadBackfill reads the backfill.* keys, applying defaults for any key not
// set.
func LoadBackfill(ko *koanf.Koanf) Backfill {
	return Backfill{
		PollInterval:      durationOr(ko, "backfill.poll_interval", 5*time.Second),
		VisibilitySeconds: intOr(ko, "backfill.visibility_seconds", 300),
		MaxRetries:        intOr(ko, "backfill.max_retries", 3),
		BatchSize:         intOr(ko, "backfill.batch_size", 1),
		PageSize:          intOr(ko, "backfill.page_size", 100),
		MaxRangeDays:      intOr(ko, "backfill.max_range_days", 365),
		SweepBatchSize:    intOr(ko, "backfill.sweep_batch_size", 200),
		SweepWorkers:      intOr(ko, "backfill.sweep_workers", 8),
		LeaseTTL:          durationOr(ko, "backfill.lease_ttl", 15*time.Second),
	}
}

// ThreadSync holds the thread-sync worker's settings.
type ThreadSync struct {
	PollInterval      time.Duration
	VisibilitySeconds int
	MaxRetries        int
	BatchSize         int
	Workers           int
	ThreadMessageCap  int
}

// LoadThreadSync reads the threadsync.* keys, applying defaults for any key
// not set.
func LoadThreadSync(ko *koanf.Koanf) ThreadSync {
	return ThreadSync{
		PollInterval:      durationOr(ko, "threadsync.poll_interval", 2*time.Second),
		VisibilitySeconds: intOr(ko, "threadsync.visibility_seconds", 120),
		MaxRetries:        intOr(ko, "threadsync.max_retries", 5),
		BatchSize:         intOr(ko, "threadsync.batch_size", 10),
		Workers:           intOr(ko, "threadsync.workers", 4),
		ThreadMessageCap:  intOr(ko, "threadsync.thread_message_cap", 100),
	}
}

// Webhook holds the webhook consumer's settings.
type Webhook struct {
	PollInterval      time.Duration
	VisibilitySeconds int
	MaxRetries        int
	BatchSize         int
	TestingMode       bool
	LeaseTTL          time.Duration
}

// LoadWebhook reads the webhook.* keys, applying defaults for any key not
// set. TestingMode defaults to off; it disables queue deletion so a message
// redelivers after its visibility timeout for debugging.
func LoadWebhook(ko *koanf.Koanf) Webhook {
	return Webhook{
		PollInterval:      durationOr(ko, "webhook.poll_interval", 2*time.Second),
		VisibilitySeconds: intOr(ko, "webhook.visibility_seconds", 60),
		MaxRetries:        intOr(ko, "webhook.max_retries", 3),
		BatchSize:         intOr(ko, "webhook.batch_size", 10),
		TestingMode:       ko.Bool("webhook.testing_mode"),
		LeaseTTL:          durationOr(ko, "webhook.lease_ttl", 15*time.Second),
	}
}

// Completion holds the completion monitor's settings.
type Completion struct {
	RecomputeInterval time.Duration
	RecoveryInterval  time.Duration
	AutoRecovery      bool
	LeaseTTL          time.Duration
}

// LoadCompletion reads the completion.* keys. Auto-recovery defaults to on
// unless the key is present and false.
func LoadCompletion(ko *koanf.Koanf) Completion {
	autoRecovery := true
	if ko.Exists("completion.auto_recovery") {
		autoRecovery = ko.Bool("completion.auto_recovery")
	}
	return Completion{
		RecomputeInterval: durationOr(ko, "completion.recompute_interval", 5*time.Second),
		RecoveryInterval:  durationOr(ko, "completion.recovery_interval", 60*time.Second),
		AutoRecovery:      autoRecovery,
		LeaseTTL:          durationOr(ko, "completion.lease_ttl", 15*time.Second),
	}
}

// Extraction holds the extraction enqueuer/worker settings.
type Extraction struct {
	EnqueueInterval     time.Duration
	EnqueueBatchSize    int
	PollInterval        time.Duration
	VisibilitySeconds   int
	MaxRetries          int
	BatchSize           int
	Workers             int
	SpamDetectionEnabled bool
	SpamModel           string
	ExtractionModel     string
	Temperature         float64
	LeaseTTL            time.Duration
}

// LoadExtraction reads the extraction.* keys, applying defaults for any key
// not set.
func LoadExtraction(ko *koanf.Koanf) Extraction {
	return Extraction{
		EnqueueInterval:      durationOr(ko, "extraction.enqueue_interval", 15*time.Second),
		EnqueueBatchSize:     intOr(ko, "extraction.enqueue_batch_size", 10),
		PollInterval:         durationOr(ko, "extraction.poll_interval", 2*time.Second),
		VisibilitySeconds:    intOr(ko, "extraction.visibility_seconds", 300),
		MaxRetries:           intOr(ko, "extraction.max_retries", 3),
		BatchSize:            intOr(ko, "extraction.batch_size", 5),
		Workers:              intOr(ko, "extraction.workers", 2),
		SpamDetectionEnabled: ko.Bool("extraction.spam_detection_enabled"),
		SpamModel:            ko.String("extraction.spam_model"),
		ExtractionModel:      ko.String("extraction.extraction_model"),
		Temperature:          ko.Float64("extraction.temperature"),
		LeaseTTL:             durationOr(ko, "extraction.lease_ttl", 15*time.Second),
	}
}
