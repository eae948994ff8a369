// Package relay contains the per-message response run: the state machine
// that consumes one generation stream and relays it into a chat
// conversation, together with its tool dispatcher and controller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/pkg/events"
	"github.com/arvid/chatrelay/pkg/llm"
)

// DefaultUpdateInterval is the minimum wall-clock gap between non-final
// outbound text updates.
const DefaultUpdateInterval = time.Second

// State describes where a run is in its lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateStreaming
	StateAwaitingTool
	StateFinalizing
	StateErrorFinalizing
	StateDisposed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateFinalizing:
		return "finalizing"
	case StateErrorFinalizing:
		return "error_finalizing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Transport is the chat-side surface a run mutates. Updates are idempotent
// overwrites of the full message text, last write wins.
type Transport interface {
	UpdateMessageText(ctx context.Context, conversationID int64, messageID int, text string) error
}

// RunConfig holds the collaborators for one response run.
type RunConfig struct {
	ConversationID int64
	MessageID      int
	Stream         llm.Stream
	Transport      Transport
	Dispatcher     *Dispatcher
	Bus            *events.Bus
	Release        func(messageID int)
	Logger         zerolog.Logger
	UpdateInterval time.Duration
}

// Run owns one generation stream and the placeholder message it fills in.
// All mutation happens on the single goroutine executing Run; the only
// cross-goroutine entry points are the stop handler and Dispose, both
// guarded by the disposal flag.
type Run struct {
	id             string
	conversationID int64
	messageID      int

	stream     llm.Stream
	transport  Transport
	dispatcher *Dispatcher
	bus        *events.Bus
	release    func(messageID int)
	logger     zerolog.Logger

	interval time.Duration
	now      func() time.Time

	accumulated strings.Builder
	chunkCount  int
	lastFlush   time.Time

	state       atomic.Int32
	disposed    atomic.Bool
	unsubscribe events.CancelFunc
}

// NewRun creates a run for one outbound message and subscribes it to stop
// signals. The subscription handle is released exactly once, on disposal.
func NewRun(cfg RunConfig) *Run {
	// Zero means unset, not unthrottled: the throttle bound always holds.
	interval := cfg.UpdateInterval
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}

	id := uuid.NewString()
	r := &Run{
		id:             id,
		conversationID: cfg.ConversationID,
		messageID:      cfg.MessageID,
		stream:         cfg.Stream,
		transport:      cfg.Transport,
		dispatcher:     cfg.Dispatcher,
		bus:            cfg.Bus,
		release:        cfg.Release,
		interval:       interval,
		now:            time.Now,
		logger: cfg.Logger.With().
			Str("component", "run").
			Str("run_id", id).
			Int64("conversation_id", cfg.ConversationID).
			Int("message_id", cfg.MessageID).
			Logger(),
	}

	r.unsubscribe = cfg.Bus.Subscribe(events.KindStatusStop, r.handleStop)

	return r
}

// Run consumes the generation stream to completion or termination. Faults
// never cross this boundary: stream errors end in an error-state update and
// disposal, and every path disposes exactly once.
func (r *Run) Run(ctx context.Context) {
	// A stop signal may land between NewRun and here. Disposed is terminal;
	// the run must not re-enter streaming or signal activity.
	if r.disposed.Load() {
		return
	}

	r.state.Store(int32(StateStreaming))
	r.publishState(events.StateThinking)

	for {
		if r.disposed.Load() {
			return
		}

		chunk, err := r.stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			r.finish(ctx)
			return
		}
		if err != nil {
			r.fail(ctx, err)
			return
		}

		// Tool calls are serviced before the chunk's text and before the
		// next chunk is pulled.
		if len(chunk.ToolCalls) > 0 {
			r.state.Store(int32(StateAwaitingTool))
			outcomes := r.dispatcher.Dispatch(ctx, r.conversationID, r.messageID, chunk.ToolCalls)
			if r.disposed.Load() {
				r.logger.Debug().
					Int("results", len(outcomes)).
					Msg("Discarding tool results after disposal")
				return
			}
			for _, outcome := range outcomes {
				r.logger.Debug().
					Str("tool", outcome.Call.Name).
					RawJSON("result", outcome.Result).
					Msg("Tool call completed")
			}
			r.state.Store(int32(StateStreaming))
		}

		if chunk.Text != "" {
			r.accumulated.WriteString(chunk.Text)
			r.chunkCount++
			r.maybeFlush(ctx)
		}
	}
}

// Dispose tears the run down: it releases the stop subscription and invokes
// the controller's release callback. Idempotent; safe to call from the
// completion path, the error path, and the stop handler.
func (r *Run) Dispose() {
	r.tryDispose()
}

// State returns the run's current lifecycle state.
func (r *Run) State() State {
	return State(r.state.Load())
}

// ChunkCount returns the number of text-bearing chunks consumed so far.
// Monitoring only.
func (r *Run) ChunkCount() int {
	return r.chunkCount
}

// MessageID returns the id of the outbound message this run fills in.
func (r *Run) MessageID() int {
	return r.messageID
}

// handleStop reacts to an external stop signal. Signals for other messages
// are ignored; the first matching signal clears status and disposes, and
// the consumption loop halts at the next chunk boundary.
func (r *Run) handleStop(ev events.Event) {
	if ev.MessageID != r.messageID {
		return
	}
	if !r.claimDisposal() {
		return
	}

	r.logger.Info().Msg("Run stopped by external signal")
	r.publishClear()
	r.teardown()
}

// finish performs the terminal steps after stream exhaustion: one
// unconditional flush of the full text, a status-cleared signal, disposal.
func (r *Run) finish(ctx context.Context) {
	if !r.claimDisposal() {
		return
	}

	r.state.Store(int32(StateFinalizing))
	r.flush(ctx)
	r.publishClear()

	r.logger.Debug().
		Int("chunks", r.chunkCount).
		Int("length", r.accumulated.Len()).
		Msg("Run completed")
	r.teardown()
}

// fail converts a stream fault into a user-visible error message. Not
// retried; a run that already disposed ignores the fault.
func (r *Run) fail(ctx context.Context, streamErr error) {
	if !r.claimDisposal() {
		return
	}

	r.state.Store(int32(StateErrorFinalizing))
	r.logger.Error().Err(streamErr).Msg("Generation stream failed")
	r.publishState(events.StateError)

	errText := fmt.Sprintf("Something went wrong while generating this response: %v", streamErr)
	if err := r.transport.UpdateMessageText(ctx, r.conversationID, r.messageID, errText); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to write error text")
	}

	r.teardown()
}

// tryDispose performs teardown if this caller wins the transition to
// Disposed. Returns false when the run was already disposed.
func (r *Run) tryDispose() bool {
	if !r.claimDisposal() {
		return false
	}
	r.teardown()
	return true
}

// claimDisposal wins or loses the single transition into disposal. The
// winner owns the terminal status emissions and must finish with teardown;
// losers back off without touching anything.
func (r *Run) claimDisposal() bool {
	return r.disposed.CompareAndSwap(false, true)
}

// teardown is the last step of disposal: the terminal state, the stop
// subscription, and the controller's reference are all released here, after
// the winner's status emissions and message writes are done.
func (r *Run) teardown() {
	r.state.Store(int32(StateDisposed))

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.release != nil {
		r.release(r.messageID)
	}
}

// maybeFlush pushes the accumulated text if the throttle interval has
// elapsed; otherwise the flush is deferred to a later chunk or the final
// flush.
func (r *Run) maybeFlush(ctx context.Context) {
	if r.now().Sub(r.lastFlush) < r.interval {
		return
	}
	r.flush(ctx)
}

// flush overwrites the outbound message with everything received so far.
// Transport errors leave lastFlush untouched so the next chunk retries.
func (r *Run) flush(ctx context.Context) {
	text := r.accumulated.String()
	if text == "" {
		return
	}

	if err := r.transport.UpdateMessageText(ctx, r.conversationID, r.messageID, text); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to update message")
		return
	}
	r.lastFlush = r.now()
}

func (r *Run) publishState(state string) {
	r.bus.Publish(events.Event{
		Kind:           events.KindStatusUpdate,
		State:          state,
		ConversationID: r.conversationID,
		MessageID:      r.messageID,
	})
}

func (r *Run) publishClear() {
	r.bus.Publish(events.Event{
		Kind:           events.KindStatusClear,
		ConversationID: r.conversationID,
		MessageID:      r.messageID,
	})
}
