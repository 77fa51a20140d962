// Package llm defines the LLM inference client as consumed by the spam
// classifier and the extraction worker; callers depend on Client, never on
// a specific vendor SDK.
package llm

import "context"

// GenerateObjectOptions configures one structured-generation call.
type GenerateObjectOptions struct {
	Model       string
	Temperature float64
	Strict      bool
}

// Usage reports token accounting for a call, surfaced for logging/cost
// tracking but not interpreted by the core.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client is the structured-generation surface the sync core depends on.
// Schema is a JSON Schema describing the desired object shape; the returned
// object is raw JSON so callers can unmarshal into their own typed structs.
type Client interface {
	GenerateObject(ctx context.Context, schema []byte, prompt string, opts GenerateObjectOptions) (object []byte, usage Usage, err error)
}
