// Package anthropicclient implements llm.Client over
// github.com/anthropics/anthropic-sdk-go. Structured output is obtained by
// forcing a single tool call whose input_schema carries the properties of the
// caller's schema (its top-level "required" list is not passed on); the
// tool's input becomes the returned object, since the SDK has no native
// generate_object call.
package anthropicclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nova-labs/inbox-sync/internal/llm"
)

const toolName = "emit_result"

// Client wraps the Anthropic Messages API as an llm.Client.
type Client struct {
	api anthropic.Client
}

// New builds a Client authenticated with apiKey.
func New(apiKey string) *Client {
	return &Client{api: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// GenerateObject forces model to call a single synthetic tool whose
// input_schema holds schema's properties, then returns that call's input
// verbatim as the generated object.
func (c *Client) GenerateObject(ctx context.Context, schema []byte, prompt string, opts llm.GenerateObjectOptions) ([]byte, llm.Usage, error) {
	var schemaObj map[string]any
	if err := json.Unmarshal(schema, &schemaObj); err != nil {
		return nil, llm.Usage{}, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	model := anthropic.Model(opts.Model)
	if model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        toolName,
					InputSchema: anthropic.ToolInputSchemaParam{Properties: schemaObj["properties"]},
				},
			},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
		},
	})
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	usage := llm.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	for _, block := range msg.Content {
		if toolUse := block.AsToolUse(); toolUse.Name == toolName {
			raw, err := json.Marshal(toolUse.Input)
			if err != nil {
				return nil, usage, fmt.Errorf("failed to marshal tool input: %w", err)
			}
			return raw, usage, nil
		}
	}

	return nil, usage, fmt.Errorf("anthropic response contained no %s tool call", toolName)
}
