package relay

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/pkg/events"
	"github.com/arvid/chatrelay/pkg/llm"
)

// fakeStream replays a fixed chunk sequence and then returns err, or io.EOF
// when err is nil. onRecv is invoked with the consumed count before each
// chunk is handed out.
type fakeStream struct {
	mu       sync.Mutex
	chunks   []llm.Chunk
	err      error
	closed   bool
	consumed int
	onRecv   func(consumed int)
}

func (s *fakeStream) Recv(ctx context.Context) (*llm.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	if s.onRecv != nil {
		s.onRecv(s.consumed)
	}

	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	s.consumed++
	return &chunk, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// blockingStream parks Recv until released, then reports exhaustion.
type blockingStream struct {
	release chan struct{}
	closed  bool
}

func (s *blockingStream) Recv(ctx context.Context) (*llm.Chunk, error) {
	<-s.release
	return nil, io.EOF
}

func (s *blockingStream) Close() error {
	s.closed = true
	return nil
}

// fakeTransport records every message update.
type fakeTransport struct {
	mu            sync.Mutex
	updates       []string
	placeholderID int
	sendErr       error
	updateErr     error
	onUpdate      func(text string)
}

func (t *fakeTransport) UpdateMessageText(ctx context.Context, conversationID int64, messageID int, text string) error {
	if t.updateErr != nil {
		return t.updateErr
	}

	t.mu.Lock()
	t.updates = append(t.updates, text)
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(text)
	}
	return nil
}

func (t *fakeTransport) SendPlaceholder(ctx context.Context, conversationID int64) (int, error) {
	if t.sendErr != nil {
		return 0, t.sendErr
	}
	return t.placeholderID, nil
}

func (t *fakeTransport) allUpdates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.updates...)
}

func (t *fakeTransport) lastUpdate() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.updates) == 0 {
		return ""
	}
	return t.updates[len(t.updates)-1]
}

// fakeSearch records queries and returns a canned payload or error.
// onSearch runs while the call is in flight, before the result is returned.
type fakeSearch struct {
	mu       sync.Mutex
	queries  []string
	result   json.RawMessage
	err      error
	panics   bool
	onSearch func()
}

func (s *fakeSearch) Search(ctx context.Context, query string) (json.RawMessage, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()

	if s.onSearch != nil {
		s.onSearch()
	}
	if s.panics {
		panic("search blew up")
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return json.RawMessage(`{"results":[]}`), nil
}

func (s *fakeSearch) seenQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// statusRecorder captures status traffic on the bus.
type statusRecorder struct {
	mu      sync.Mutex
	updates []events.Event
	clears  []events.Event
}

func recordStatus(bus *events.Bus) *statusRecorder {
	rec := &statusRecorder{}
	bus.Subscribe(events.KindStatusUpdate, func(ev events.Event) {
		rec.mu.Lock()
		rec.updates = append(rec.updates, ev)
		rec.mu.Unlock()
	})
	bus.Subscribe(events.KindStatusClear, func(ev events.Event) {
		rec.mu.Lock()
		rec.clears = append(rec.clears, ev)
		rec.mu.Unlock()
	})
	return rec
}

func (r *statusRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]string, 0, len(r.updates))
	for _, ev := range r.updates {
		states = append(states, ev.State)
	}
	return states
}

func (r *statusRecorder) countState(state string) int {
	count := 0
	for _, s := range r.states() {
		if s == state {
			count++
		}
	}
	return count
}

func (r *statusRecorder) clearCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clears)
}

// releaseCounter tracks release callback invocations.
type releaseCounter struct {
	mu    sync.Mutex
	calls []int
}

func (r *releaseCounter) release(messageID int) {
	r.mu.Lock()
	r.calls = append(r.calls, messageID)
	r.mu.Unlock()
}

func (r *releaseCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
