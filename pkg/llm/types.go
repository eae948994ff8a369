package llm

import "context"

// ToolCall is a backend-issued request to invoke a named external capability.
// Args holds the decoded JSON arguments and may be an object, an array, or a
// bare primitive depending on what the model emitted.
type ToolCall struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Args interface{} `json:"args"`
}

// Chunk is one element of a generation stream. Either field may be empty;
// a single chunk can carry both text and tool calls.
type Chunk struct {
	Text      string
	ToolCalls []ToolCall
}

// Stream is a finite, single-consumer sequence of chunks. Recv returns
// io.EOF once the backend has finished the response; any other error is a
// stream fault. Streams are not restartable.
type Stream interface {
	Recv(ctx context.Context) (*Chunk, error)
	Close() error
}

// ToolDefinition describes a tool offered to the backend.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request contains the parameters for opening a generation stream.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Provider opens generation streams against one LLM backend.
type Provider interface {
	// Open starts a streaming completion for the request.
	Open(ctx context.Context, request Request) (Stream, error)

	// Name returns the provider name
	Name() string
}

// WebSearchTool is the tool definition advertised to backends when a search
// credential is configured.
func WebSearchTool() ToolDefinition {
	return ToolDefinition{
		Name:        "web_search",
		Description: "Search the web for current information.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query",
				},
			},
			"required": []string{"query"},
		},
	}
}
