package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvid/chatrelay/pkg/events"
	"github.com/arvid/chatrelay/pkg/llm"
)

type runFixture struct {
	bus       *events.Bus
	transport *fakeTransport
	search    *fakeSearch
	status    *statusRecorder
	released  *releaseCounter
}

func newRunFixture() *runFixture {
	bus := events.NewBus()
	return &runFixture{
		bus:       bus,
		transport: &fakeTransport{},
		search:    &fakeSearch{},
		status:    recordStatus(bus),
		released:  &releaseCounter{},
	}
}

func (f *runFixture) newRun(stream llm.Stream, messageID int, interval time.Duration) *Run {
	return NewRun(RunConfig{
		ConversationID: 100,
		MessageID:      messageID,
		Stream:         stream,
		Transport:      f.transport,
		Dispatcher:     NewDispatcher(f.search, f.bus, testLogger()),
		Bus:            f.bus,
		Release:        f.released.release,
		Logger:         testLogger(),
		UpdateInterval: interval,
	})
}

// unthrottle gives a run a clock that jumps a full interval on every
// reading, so every chunk flushes immediately.
func unthrottle(run *Run) {
	current := time.Unix(1700000000, 0)
	run.now = func() time.Time {
		current = current.Add(DefaultUpdateInterval)
		return current
	}
}

func TestRunHappyPathWithToolCall(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{
		{Text: "Hel"},
		{Text: "lo "},
		{ToolCalls: []llm.ToolCall{{
			ID:   "tc_1",
			Name: "web_search",
			Args: map[string]interface{}{"query": "cats"},
		}}},
		{Text: "done"},
	}}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.Run(context.Background())

	assert.Equal(t, "Hello done", f.transport.lastUpdate())
	assert.Equal(t, []string{"cats"}, f.search.seenQueries())

	assert.Equal(t, 1, f.status.countState(events.StateExternalSources))
	assert.Equal(t, 0, f.status.countState(events.StateError))
	assert.Equal(t, 1, f.status.clearCount())

	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, StateDisposed, run.State())
	assert.Equal(t, 3, run.ChunkCount())
	assert.Equal(t, 0, f.bus.SubscriberCount(events.KindStatusStop))
}

func TestRunPrefixGrowth(t *testing.T) {
	f := newRunFixture()
	fragments := []string{"The ", "quick ", "brown ", "fox"}
	chunks := make([]llm.Chunk, 0, len(fragments))
	for _, fragment := range fragments {
		chunks = append(chunks, llm.Chunk{Text: fragment})
	}
	stream := &fakeStream{chunks: chunks}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	unthrottle(run)
	run.Run(context.Background())

	updates := f.transport.allUpdates()
	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, len(updates[i]), len(updates[i-1]))
		assert.True(t, strings.HasPrefix(updates[i], updates[i-1]))
	}
	assert.Equal(t, strings.Join(fragments, ""), updates[len(updates)-1])
}

func TestRunThrottlesIntermediateUpdates(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{
		{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"}, {Text: "e"},
	}}

	base := time.Unix(1700000000, 0)
	current := base
	stream.onRecv = func(consumed int) {
		current = current.Add(400 * time.Millisecond)
	}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.now = func() time.Time { return current }
	run.lastFlush = base

	run.Run(context.Background())

	// Elapsed at each chunk: 0.4s, 0.8s, 1.2s (flush), 1.6s, 2.0s (0.8s
	// since last flush, deferred), then the unconditional final flush.
	assert.Equal(t, []string{"abc", "abcde"}, f.transport.allUpdates())
}

func TestRunFinalFlushIgnoresThrottle(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{{Text: "only"}}}

	base := time.Unix(1700000000, 0)
	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.now = func() time.Time { return base }
	run.lastFlush = base

	run.Run(context.Background())

	// The single chunk arrives inside the throttle window, so the only
	// update is the final one.
	assert.Equal(t, []string{"only"}, f.transport.allUpdates())
}

func TestDisposeIsIdempotent(t *testing.T) {
	f := newRunFixture()
	run := f.newRun(&fakeStream{}, 42, DefaultUpdateInterval)

	run.Dispose()
	run.Dispose()
	run.Dispose()

	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, StateDisposed, run.State())
	assert.Equal(t, 0, f.bus.SubscriberCount(events.KindStatusStop))
}

func TestStopBeforeRunAbandonsStream(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{{Text: "never"}}}
	run := f.newRun(stream, 42, DefaultUpdateInterval)

	f.bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: 42})
	run.Run(context.Background())

	assert.Empty(t, f.transport.allUpdates())
	assert.Equal(t, 1, stream.remaining())
	assert.Equal(t, 1, f.status.clearCount())
	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, StateDisposed, run.State())
	// Disposed is terminal: a late Run must not signal activity.
	assert.Equal(t, 0, f.status.countState(events.StateThinking))
}

func TestStopMidStreamHaltsConsumption(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{{Text: "Hel"}, {Text: "lo"}}}
	f.transport.onUpdate = func(string) {
		f.bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: 42})
	}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	unthrottle(run)
	run.Run(context.Background())

	// The first flush triggers the stop; the second chunk is never pulled
	// and no final flush happens.
	assert.Equal(t, []string{"Hel"}, f.transport.allUpdates())
	assert.Equal(t, 1, stream.remaining())
	assert.Equal(t, 1, f.status.clearCount())
	assert.Equal(t, 1, f.released.count())
}

func TestStopDuringToolCallDiscardsResults(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{
		{ToolCalls: []llm.ToolCall{{
			ID:   "tc_1",
			Name: "web_search",
			Args: map[string]interface{}{"query": "cats"},
		}}},
		{Text: "never"},
	}}
	// Stop lands while the provider call is still in flight.
	f.search.onSearch = func() {
		f.bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: 42})
	}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.Run(context.Background())

	// The outcome is dropped, the next chunk is never pulled, and nothing
	// further reaches the conversation.
	assert.Empty(t, f.transport.allUpdates())
	assert.Equal(t, 1, stream.remaining())
	assert.Equal(t, 1, f.status.countState(events.StateExternalSources))
	assert.Equal(t, 0, f.status.countState(events.StateError))
	assert.Equal(t, 1, f.status.clearCount())
	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, StateDisposed, run.State())
}

func TestStopSignalIsScopedToMessage(t *testing.T) {
	f := newRunFixture()
	runA := f.newRun(&fakeStream{}, 1, DefaultUpdateInterval)
	runB := f.newRun(&fakeStream{}, 2, DefaultUpdateInterval)

	f.bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: 1})

	assert.Equal(t, StateDisposed, runA.State())
	assert.NotEqual(t, StateDisposed, runB.State())
	assert.Equal(t, []int{1}, f.released.calls)
	assert.Equal(t, 1, f.status.clearCount())

	runB.Dispose()
}

func TestRepeatedStopSignalsDisposeOnce(t *testing.T) {
	f := newRunFixture()
	_ = f.newRun(&fakeStream{}, 42, DefaultUpdateInterval)

	f.bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: 42})
	f.bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: 42})

	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, 1, f.status.clearCount())
}

func TestStreamFaultOverwritesMessage(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{
		chunks: []llm.Chunk{{Text: "partial"}},
		err:    errors.New("connection reset"),
	}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.Run(context.Background())

	last := f.transport.lastUpdate()
	assert.NotEqual(t, "partial", last)
	assert.Contains(t, last, "connection reset")

	assert.Equal(t, 1, f.status.countState(events.StateError))
	assert.Equal(t, 0, f.status.clearCount())
	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, StateDisposed, run.State())
}

func TestStreamFaultEmitsBeforeDisposal(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{err: errors.New("boom")}

	errorsAtWrite := -1
	releasedAtWrite := -1
	f.transport.onUpdate = func(string) {
		errorsAtWrite = f.status.countState(events.StateError)
		releasedAtWrite = f.released.count()
	}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.Run(context.Background())

	// The ERROR status precedes the overwrite, and the release callback
	// fires only after the overwrite lands.
	assert.Equal(t, 1, errorsAtWrite)
	assert.Equal(t, 0, releasedAtWrite)
	assert.Equal(t, 1, f.released.count())
	assert.Equal(t, StateDisposed, run.State())
}

func TestToolFailureDoesNotAbortRun(t *testing.T) {
	f := newRunFixture()
	f.search.err = errors.New("dns failure")
	stream := &fakeStream{chunks: []llm.Chunk{
		{ToolCalls: []llm.ToolCall{{ID: "tc_1", Name: "web_search", Args: map[string]interface{}{"query": "cats"}}}},
		{Text: "still here"},
	}}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.Run(context.Background())

	assert.Equal(t, "still here", f.transport.lastUpdate())
	assert.Equal(t, 0, f.status.countState(events.StateError))
	assert.Equal(t, 1, f.status.clearCount())
	assert.Equal(t, StateDisposed, run.State())
}

func TestRunEmitsThinkingOnce(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{{Text: "hi"}}}

	run := f.newRun(stream, 42, DefaultUpdateInterval)
	run.Run(context.Background())

	assert.Equal(t, 1, f.status.countState(events.StateThinking))
}

func TestZeroIntervalFallsBackToDefault(t *testing.T) {
	f := newRunFixture()
	run := f.newRun(&fakeStream{}, 42, 0)

	assert.Equal(t, DefaultUpdateInterval, run.interval)
	run.Dispose()
}

func TestUpdateFailureRetriesNextChunk(t *testing.T) {
	f := newRunFixture()
	stream := &fakeStream{chunks: []llm.Chunk{{Text: "a"}, {Text: "b"}}}

	failures := 1
	base := &fakeTransport{}
	f.transport = base
	// Fail the first update; the next flush carries the full prefix.
	run := NewRun(RunConfig{
		ConversationID: 100,
		MessageID:      42,
		Stream:         stream,
		Transport:      &flakyTransport{inner: base, failures: &failures},
		Dispatcher:     NewDispatcher(f.search, f.bus, testLogger()),
		Bus:            f.bus,
		Release:        f.released.release,
		Logger:         testLogger(),
		UpdateInterval: DefaultUpdateInterval,
	})
	unthrottle(run)
	run.Run(context.Background())

	updates := base.allUpdates()
	require.NotEmpty(t, updates)
	assert.Equal(t, "ab", updates[len(updates)-1])
}

type flakyTransport struct {
	inner    *fakeTransport
	failures *int
}

func (t *flakyTransport) UpdateMessageText(ctx context.Context, conversationID int64, messageID int, text string) error {
	if *t.failures > 0 {
		*t.failures--
		return errors.New("transport hiccup")
	}
	return t.inner.UpdateMessageText(ctx, conversationID, messageID, text)
}
