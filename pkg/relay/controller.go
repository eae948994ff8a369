package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/pkg/events"
	"github.com/arvid/chatrelay/pkg/llm"
)

// InboundMessage is one user message the controller should answer.
type InboundMessage struct {
	ConversationID int64
	MessageID      int
	UserID         int64
	Username       string
	Text           string
}

// MessageSender extends Transport with creation of the placeholder message
// a run fills in.
type MessageSender interface {
	Transport
	SendPlaceholder(ctx context.Context, conversationID int64) (int, error)
}

// ControllerConfig holds controller wiring and model parameters.
type ControllerConfig struct {
	Provider       llm.Provider
	Transport      MessageSender
	Dispatcher     *Dispatcher
	Bus            *events.Bus
	Logger         zerolog.Logger
	Model          string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	UpdateInterval time.Duration
	SearchEnabled  bool
}

// Controller opens one generation stream and one response run per inbound
// message and tracks the set of live runs. Runs are mutually independent;
// the controller only holds their references until release.
type Controller struct {
	cfg    ControllerConfig
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[int]*Run
}

// NewController creates a new run controller
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "controller").Logger(),
		runs:   make(map[int]*Run),
	}, nil
}

// HandleMessage opens a generation stream for an inbound message, creates
// the placeholder outbound message, and starts the response run on its own
// goroutine.
func (c *Controller) HandleMessage(ctx context.Context, msg InboundMessage) error {
	stream, err := c.cfg.Provider.Open(ctx, c.buildRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to open generation stream: %w", err)
	}

	placeholderID, err := c.cfg.Transport.SendPlaceholder(ctx, msg.ConversationID)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("failed to send placeholder message: %w", err)
	}

	run := NewRun(RunConfig{
		ConversationID: msg.ConversationID,
		MessageID:      placeholderID,
		Stream:         stream,
		Transport:      c.cfg.Transport,
		Dispatcher:     c.cfg.Dispatcher,
		Bus:            c.cfg.Bus,
		Release:        c.dropRun,
		Logger:         c.logger,
		UpdateInterval: c.cfg.UpdateInterval,
	})

	c.mu.Lock()
	c.runs[placeholderID] = run
	c.mu.Unlock()

	c.logger.Info().
		Int64("conversation_id", msg.ConversationID).
		Int("message_id", placeholderID).
		Str("username", msg.Username).
		Msg("Run started")

	go func() {
		run.Run(ctx)
		// The stop signal does not cancel the SDK stream; closing here
		// bounds the resource's lifetime to the run goroutine.
		if err := stream.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to close generation stream")
		}
	}()

	return nil
}

// LiveRuns returns the number of runs not yet released.
func (c *Controller) LiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Shutdown requests cancellation of every live run by publishing a stop
// signal per tracked message.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	ids := make([]int, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.cfg.Bus.Publish(events.Event{Kind: events.KindStatusStop, MessageID: id})
	}
}

// dropRun is the release callback handed to each run.
func (c *Controller) dropRun(messageID int) {
	c.mu.Lock()
	delete(c.runs, messageID)
	c.mu.Unlock()
}

func (c *Controller) buildRequest(msg InboundMessage) llm.Request {
	request := llm.Request{
		Model:       c.cfg.Model,
		System:      c.cfg.SystemPrompt,
		Prompt:      msg.Text,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if c.cfg.SearchEnabled {
		request.Tools = []llm.ToolDefinition{llm.WebSearchTool()}
	}
	return request
}
