package llm

import (
	"context"

	"github.com/sony/gobreaker"
)

// WithBreaker wraps c so every generation call passes through cb, failing
// fast while the LLM endpoint is degraded.
func WithBreaker(c Client, cb *gobreaker.CircuitBreaker) Client {
	return &breakerClient{inner: c, cb: cb}
}

type breakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

type generateResult struct {
	object []byte
	usage  Usage
}

func (b *breakerClient) GenerateObject(ctx context.Context, schema []byte, prompt string, opts GenerateObjectOptions) ([]byte, Usage, error) {
	res, err := b.cb.Execute(func() (any, error) {
		object, usage, err := b.inner.GenerateObject(ctx, schema, prompt, opts)
		return generateResult{object: object, usage: usage}, err
	})
	if err != nil {
		return nil, Usage{}, err
	}
	r := res.(generateResult)
	return r.object, r.usage, nil
}
