// Package queue implements the durable queue substrate: enqueue/read/delete
// over NATS JetStream, with per-message visibility timeout and a
// delivery-retry counter. One stream carries all four logical queues, each
// as its own subject with its own durable pull consumer.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const streamName = "INBOX_SYNC"

// Message is one delivery of a queue message. ReadCt mirrors the pgmq
// read_ct column: it is the number of times this message has been
// delivered, starting at 1.
type Message struct {
	MsgID   string
	ReadCt  int
	Payload []byte

	raw jetstream.Msg
}

// Delete acknowledges and permanently removes the message.
func (m Message) Delete() error {
	return m.raw.Ack()
}

// Substrate is the durable queue substrate, backed by one JetStream stream
// with one subject (and one durable pull consumer) per logical queue name.
type Substrate struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

// New connects to NATS and ensures the backing stream exists. queueNames
// lists every logical queue this process will enqueue to or read from
// (inbox_backfill_jobs, thread_sync_jobs, webhook_notifications,
// extraction_jobs, or any subset).
func New(ctx context.Context, natsURL string, queueNames []string, logger zerolog.Logger) (*Substrate, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("inbox-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	subjects := make([]string, len(queueNames))
	copy(subjects, queueNames)

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   subjects,
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
		Retention:  jetstream.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().Str("stream", streamName).Strs("queues", queueNames).Msg("queue substrate initialized")

	return &Substrate{
		nc:        nc,
		js:        js,
		logger:    logger,
		consumers: make(map[string]jetstream.Consumer),
	}, nil
}

// Enqueue publishes payload (marshaled to JSON) to queueName. The message ID
// used for JetStream's dedup window is the caller-supplied dedupKey; pass
// an empty string to disable deduplication for this message.
func (s *Substrate) Enqueue(ctx context.Context, queueName string, payload any, dedupKey string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", queueName, err)
	}

	opts := []jetstream.PublishOpt{}
	if dedupKey != "" {
		opts = append(opts, jetstream.WithMsgID(dedupKey))
	}

	if _, err := s.js.Publish(ctx, queueName, data, opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}
	return nil
}

// Read pulls up to n messages from queueName, making each invisible for
// visibility before it is eligible for redelivery.
func (s *Substrate) Read(ctx context.Context, queueName string, visibility time.Duration, n int) ([]Message, error) {
	consumer, err := s.consumerFor(ctx, queueName, visibility)
	if err != nil {
		return nil, err
	}

	batch, err := consumer.Fetch(n, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", queueName, err)
	}

	var out []Message
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		readCt := 1
		if err == nil {
			readCt = int(meta.NumDelivered)
		}
		out = append(out, Message{
			MsgID:   msgIDOf(msg),
			ReadCt:  readCt,
			Payload: msg.Data(),
			raw:     msg,
		})
	}
	if err := batch.Error(); err != nil {
		return out, fmt.Errorf("error draining batch from %s: %w", queueName, err)
	}

	return out, nil
}

func (s *Substrate) consumerFor(ctx context.Context, queueName string, visibility time.Duration) (jetstream.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.consumers[queueName]; ok {
		return c, nil
	}

	c, err := s.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       queueName + "-consumer",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       visibility,
		FilterSubject: queueName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", queueName, err)
	}

	s.consumers[queueName] = c
	return c, nil
}

func msgIDOf(msg jetstream.Msg) string {
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf("%d", meta.Sequence.Stream)
	}
	return ""
}

// Close closes the underlying NATS connection.
func (s *Substrate) Close() {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("queue substrate closed")
	}
}

// Healthy reports whether the NATS connection is currently connected.
func (s *Substrate) Healthy() bool {
	return s.nc != nil && s.nc.IsConnected()
}
