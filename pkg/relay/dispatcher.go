package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/pkg/events"
	"github.com/arvid/chatrelay/pkg/llm"
)

// SearchProvider executes web_search queries and returns a serialized
// result or a serialized error payload.
type SearchProvider interface {
	Search(ctx context.Context, query string) (json.RawMessage, error)
}

// ToolOutcome pairs a tool call with its serialized result. Every
// dispatched call produces exactly one outcome.
type ToolOutcome struct {
	Call   llm.ToolCall
	Result json.RawMessage
}

// Dispatcher resolves the tool calls carried by one chunk. Failures are
// contained here: a provider fault becomes a structured error result and
// never aborts the enclosing run.
type Dispatcher struct {
	search SearchProvider
	bus    *events.Bus
	logger zerolog.Logger
}

// NewDispatcher creates a new tool dispatcher
func NewDispatcher(search SearchProvider, bus *events.Bus, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		search: search,
		bus:    bus,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch invokes the provider for every tool call in a chunk, in order,
// and returns one outcome per call. A single EXTERNAL_SOURCES signal is
// emitted for the chunk before any provider runs, scoped to the owning
// message.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID int64, messageID int, calls []llm.ToolCall) []ToolOutcome {
	if len(calls) == 0 {
		return nil
	}

	d.bus.Publish(events.Event{
		Kind:           events.KindStatusUpdate,
		State:          events.StateExternalSources,
		ConversationID: conversationID,
		MessageID:      messageID,
	})

	outcomes := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		outcomes = append(outcomes, ToolOutcome{
			Call:   call,
			Result: d.dispatch(ctx, call),
		})
	}
	return outcomes
}

func (d *Dispatcher) dispatch(ctx context.Context, call llm.ToolCall) json.RawMessage {
	switch call.Name {
	case "web_search":
		query := searchQueryFromArgs(call.Args)
		d.logger.Debug().
			Str("call_id", call.ID).
			Str("query", query.Text).
			Bool("recognized", query.Recognized).
			Msg("Dispatching web search")

		result, err := d.invokeSearch(ctx, query.Text)
		if err != nil {
			d.logger.Warn().Err(err).Str("call_id", call.ID).Msg("Tool call failed")
			return errorResult("failed to call tool")
		}
		return result

	default:
		d.logger.Warn().Str("tool", call.Name).Msg("Unknown tool requested")
		return errorResult("unknown tool: " + call.Name)
	}
}

// invokeSearch shields the run from provider faults, including panics.
func (d *Dispatcher) invokeSearch(ctx context.Context, query string) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("search provider panicked: %v", rec)
		}
	}()
	return d.search.Search(ctx, query)
}

func errorResult(reason string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	return payload
}

// searchQuery is the extracted argument of a web_search call. Recognized
// means the payload carried an explicit query field; otherwise Text holds
// the fallback rendering of the raw payload.
type searchQuery struct {
	Recognized bool
	Text       string
}

// searchQueryFromArgs extracts the query text from a call's argument
// payload. Objects with a query field use it, coercing non-string values;
// other non-empty objects fall back to their full JSON serialization; bare
// primitives are coerced to strings.
func searchQueryFromArgs(args interface{}) searchQuery {
	switch v := args.(type) {
	case nil:
		return searchQuery{}
	case map[string]interface{}:
		if raw, ok := v["query"]; ok {
			return searchQuery{Recognized: true, Text: coerceString(raw)}
		}
		if len(v) == 0 {
			return searchQuery{}
		}
		return searchQuery{Text: serialize(v)}
	case string:
		return searchQuery{Text: v}
	default:
		return searchQuery{Text: coerceString(v)}
	}
}

func coerceString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return serialize(v)
	}
}

func serialize(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
