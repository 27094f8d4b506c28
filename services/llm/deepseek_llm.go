package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// DeepSeekConfig configures the DeepSeek backend.
type DeepSeekConfig struct {
	APIKey  string
	BaseURL string
	// ChatModel answers without a reasoning channel (default "deepseek-chat").
	ChatModel string
	// ReasonerModel is requested when thinking mode is enabled; it is the
	// provider's explicit reasoning-emission capability
	// (default "deepseek-reasoner").
	ReasonerModel string
}

const (
	defaultDeepSeekBaseURL = "https://api.deepseek.com"
	defaultChatModel       = "deepseek-chat"
	defaultReasonerModel   = "deepseek-reasoner"
)

// DeepSeekClient talks to DeepSeek's OpenAI-compatible completion API.
type DeepSeekClient struct {
	client        *openai.Client
	chatModel     string
	reasonerModel string
}

// NewDeepSeekClient builds a client from config, filling defaults for any
// empty field. A missing API key is not a construction error: the service
// should come up without one, and the provider's 401 surfaces on the first
// turn as the configured-key failure.
func NewDeepSeekClient(cfg DeepSeekConfig) (*DeepSeekClient, error) {
	if cfg.APIKey == "" {
		slog.Warn("DEEPSEEK_API_KEY is not set; chat requests will fail until it is configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeepSeekBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.ReasonerModel == "" {
		cfg.ReasonerModel = defaultReasonerModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	slog.Info("Initializing DeepSeek client",
		"base_url", cfg.BaseURL,
		"chat_model", cfg.ChatModel,
		"reasoner_model", cfg.ReasonerModel,
	)
	return &DeepSeekClient{
		client:        openai.NewClientWithConfig(clientCfg),
		chatModel:     cfg.ChatModel,
		reasonerModel: cfg.ReasonerModel,
	}, nil
}

// ChatStream implements the Client interface.
//
// One completion request is opened per call; failures are never retried
// here. The request is made against the reasoner model when thinking is
// enabled, which is how DeepSeek's reasoning channel is requested.
func (d *DeepSeekClient) ChatStream(ctx context.Context, messages []Message,
	opts ChatOptions) (Stream, error) {

	model := d.chatModel
	if opts.Thinking {
		model = d.reasonerModel
	}

	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	slog.Debug("Opening completion stream", "model", model, "num_messages", len(messages))
	upstream, err := d.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: apiMessages,
		Stream:   true,
	})
	if err != nil {
		slog.Error("DeepSeek stream request failed", "model", model, "error", err)
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	return &deepseekStream{upstream: upstream}, nil
}

// deepseekStream demultiplexes the provider's delta stream into reasoning
// and content events. It holds at most one upstream frame in flight: a
// frame carrying both a reasoning and a content fragment is delivered as
// two consecutive events via the pending slot.
type deepseekStream struct {
	upstream *openai.ChatCompletionStream
	pending  []StreamEvent
	doneSent bool
}

// Recv returns the next stream event. After the terminal done event it
// returns io.EOF. Upstream failures propagate verbatim; the caller turns
// them into a user-visible error and its own terminal frame.
func (s *deepseekStream) Recv() (StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.doneSent {
			return StreamEvent{}, io.EOF
		}

		resp, err := s.upstream.Recv()
		if errors.Is(err, io.EOF) {
			s.doneSent = true
			return StreamEvent{Type: StreamEventDone}, nil
		}
		if err != nil {
			return StreamEvent{}, err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.ReasoningContent != "" {
			s.pending = append(s.pending, StreamEvent{
				Type: StreamEventReasoning,
				Text: delta.ReasoningContent,
			})
		}
		if delta.Content != "" {
			s.pending = append(s.pending, StreamEvent{
				Type: StreamEventContent,
				Text: delta.Content,
			})
		}
		// A frame with neither fragment yields nothing; keep pulling.
	}
}

// Close releases the underlying HTTP response.
func (s *deepseekStream) Close() error {
	return s.upstream.Close()
}

var _ Client = (*DeepSeekClient)(nil)
var _ Stream = (*deepseekStream)(nil)
