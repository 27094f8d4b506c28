package llm

import "context"

// Message is one role/content pair sent to the completion API.
// Reasoning content is never part of a Message: the provider's documented
// contract forbids resubmitting prior reasoning as conversational context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StreamEventType tags the logical channel a stream event belongs to.
type StreamEventType string

const (
	// StreamEventReasoning carries a fragment of the model's reasoning channel.
	StreamEventReasoning StreamEventType = "reasoning"
	// StreamEventContent carries a fragment of the final answer channel.
	StreamEventContent StreamEventType = "content"
	// StreamEventDone terminates every stream, exactly once, even when the
	// model produced no output at all.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one demultiplexed event from the provider's delta stream.
// A single upstream frame may yield zero, one, or two events; empty
// fragments are never surfaced.
type StreamEvent struct {
	Type StreamEventType
	Text string
}

// Stream is a lazy, finite, non-restartable sequence of StreamEvents.
//
// Recv blocks until the next event is available and returns io.EOF after
// the terminal StreamEventDone has been delivered. Any other error is a
// terminal failure of the turn: the stream must not be used afterwards and
// the caller is responsible for surfacing the failure to the user. Streams
// are not retried here.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// ChatOptions carries the per-turn request knobs.
type ChatOptions struct {
	// Thinking asks the provider to emit its reasoning channel alongside
	// the answer. When false only content events occur.
	Thinking bool
}

// Client is the interface for a streaming completion backend.
type Client interface {
	// ChatStream opens exactly one streaming completion request for the
	// given transcript. The returned Stream owns the network connection;
	// the caller must drain or Close it.
	ChatStream(ctx context.Context, messages []Message, opts ChatOptions) (Stream, error)
}
