package provider

import (
	"context"

	"github.com/sony/gobreaker"
)

// WithBreaker wraps c so every provider call passes through cb. Once the
// breaker opens, calls fail fast with gobreaker.ErrOpenState instead of
// hammering a degraded provider on every queue redelivery.
func WithBreaker(c Client, cb *gobreaker.CircuitBreaker) Client {
	return &breakerClient{inner: c, cb: cb}
}

type breakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerClient) ListThreads(ctx context.Context, grant string, params ListThreadsParams) (ListThreadsResult, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.ListThreads(ctx, grant, params)
	})
	if err != nil {
		return ListThreadsResult{}, err
	}
	return res.(ListThreadsResult), nil
}

func (b *breakerClient) FindThread(ctx context.Context, grant, threadID string) (Thread, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.FindThread(ctx, grant, threadID)
	})
	if err != nil {
		return Thread{}, err
	}
	return res.(Thread), nil
}

func (b *breakerClient) ListMessages(ctx context.Context, grant string, params ListMessagesParams) ([]Message, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.ListMessages(ctx, grant, params)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Message), nil
}

func (b *breakerClient) FindMessage(ctx context.Context, grant, messageID string) (Message, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.FindMessage(ctx, grant, messageID)
	})
	if err != nil {
		return Message{}, err
	}
	return res.(Message), nil
}
