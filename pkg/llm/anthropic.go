package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider implements Provider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Open starts a streaming message request against the Anthropic API.
func (p *AnthropicProvider) Open(ctx context.Context, request Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model: anthropic.Model(request.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)),
		},
		MaxTokens: int64(request.MaxTokens),
	}

	if request.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: request.System},
		}
	}

	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, tool := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				},
			}
			if required, ok := tool.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return &anthropicStream{
		stream: p.client.Messages.NewStreaming(ctx, params),
	}, nil
}

// anthropicStream adapts the SDK's SSE stream to the Stream interface.
//
// Text deltas are surfaced as soon as they arrive. Tool calls arrive split
// across events: content_block_start carries the id and name, subsequent
// input_json_delta events carry argument fragments, and content_block_stop
// marks the call complete. The fragments are buffered and the finished call
// is emitted as a single chunk.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	toolID    string
	toolName  string
	toolInput strings.Builder
	inTool    bool
}

// Recv advances the SSE stream until it yields a text fragment or a
// completed tool call. Returns io.EOF once the backend finishes.
func (s *anthropicStream) Recv(ctx context.Context) (*Chunk, error) {
	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		event := s.stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				s.toolID = toolUse.ID
				s.toolName = toolUse.Name
				s.toolInput.Reset()
				s.inTool = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					return &Chunk{Text: delta.Text}, nil
				}
			case "input_json_delta":
				s.toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if s.inTool {
				s.inTool = false
				call := ToolCall{
					ID:   s.toolID,
					Name: s.toolName,
					Args: decodeToolArgs(s.toolInput.String()),
				}
				return &Chunk{ToolCalls: []ToolCall{call}}, nil
			}
		}
	}

	if err := s.stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}

	return nil, io.EOF
}

// Close releases the underlying SSE stream.
func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// decodeToolArgs parses accumulated tool input JSON. Malformed or empty
// input decodes to an empty object so the call still reaches the dispatcher.
func decodeToolArgs(raw string) interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var args interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{}
	}
	return args
}
