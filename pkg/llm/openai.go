package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider implements Provider for OpenAI
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Open starts a streaming chat completion against the OpenAI API.
func (p *OpenAIProvider) Open(ctx context.Context, request Request) (Stream, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if request.System != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}
	messages = append(messages, openai.UserMessage(request.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}
	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, tool := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return &openaiStream{
		stream:  p.client.Chat.Completions.NewStreaming(ctx, params),
		toolIDs: make(map[int64]string),
	}, nil
}

// openaiStream adapts the SDK's SSE stream to the Stream interface. Tool
// call arguments stream incrementally; the accumulator assembles them and
// reports each call once it is complete. Tool call ids only appear on the
// first delta for a call, so they are tracked by index.
type openaiStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	acc     openai.ChatCompletionAccumulator
	toolIDs map[int64]string
}

// Recv advances the stream until it yields a text fragment or a completed
// tool call. Returns io.EOF once the backend finishes.
func (s *openaiStream) Recv(ctx context.Context) (*Chunk, error) {
	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			for _, tc := range chunk.Choices[0].Delta.ToolCalls {
				if tc.ID != "" {
					s.toolIDs[tc.Index] = tc.ID
				}
			}
		}

		if finished, ok := s.acc.JustFinishedToolCall(); ok {
			call := ToolCall{
				ID:   s.toolIDs[int64(finished.Index)],
				Name: finished.Name,
				Args: decodeToolArgs(finished.Arguments),
			}
			return &Chunk{ToolCalls: []ToolCall{call}}, nil
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return &Chunk{Text: chunk.Choices[0].Delta.Content}, nil
		}
	}

	if err := s.stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream failed: %w", err)
	}

	return nil, io.EOF
}

// Close releases the underlying SSE stream.
func (s *openaiStream) Close() error {
	return s.stream.Close()
}
