// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/minervai/minichat/services/chat/conversation"
	"github.com/minervai/minichat/services/chat/datatypes"
	"github.com/minervai/minichat/services/chat/observability"
	"github.com/minervai/minichat/services/chat/store"
	"github.com/minervai/minichat/services/llm"
)

// titleRuneLimit bounds the session title derived from the first user
// message. Counted in runes, matching how users perceive truncation.
const titleRuneLimit = 30

// User-facing substitutions for the fixed failure taxonomy. Every class is
// terminal for the turn; none is retried.
const (
	errMsgAuth     = "API key invalid or not configured. Check the DEEPSEEK_API_KEY setting."
	errMsgRate     = "Too many requests or token quota exhausted. Please retry in a moment."
	errMsgUpstream = "The DeepSeek service is temporarily unavailable. Please retry later."
)

// ChatHandler drives one streamed chat turn: resolve the session, assemble
// the transcript, persist the user message, relay the completion stream as
// wire frames, and persist the assistant message once the stream finishes.
type ChatHandler struct {
	store     store.Store
	llmClient llm.Client
	tracer    trace.Tracer
}

// NewChatHandler creates a ChatHandler with the provided dependencies.
// Panics if store or llmClient is nil (programming errors).
func NewChatHandler(st store.Store, llmClient llm.Client) *ChatHandler {
	if st == nil {
		panic("NewChatHandler: store must not be nil")
	}
	if llmClient == nil {
		panic("NewChatHandler: llmClient must not be nil")
	}
	return &ChatHandler{
		store:     st,
		llmClient: llmClient,
		tracer:    otel.Tracer("minichat.chat.handlers"),
	}
}

// HandleChatStream processes POST /api/chat with an event-stream response.
//
// # Description
//
// The flow is:
//  1. Parse and validate the request; reject empty messages before any
//     persistence.
//  2. Resolve the target session, creating one only when no id was given;
//     an unknown id is a 404 with no side effects.
//  3. Load the history and assemble the model transcript.
//  4. On the session's first turn, derive a title from the user text and
//     store it now; it is announced only when the turn succeeds.
//  5. Persist the user message before streaming begins, so it is durable
//     even if the completion stream fails outright.
//  6. Relay the completion stream: every reasoning/content event is
//     accumulated and forwarded as a wire frame; on done, the derived
//     title (if any) is announced before the terminal frame.
//  7. On success, persist one assistant message on a detached context so a
//     client disconnect after the model finished does not lose the answer.
//  8. On stream failure, substitute one content frame from the error
//     taxonomy, then a done frame; no assistant message is persisted.
//
// Each turn is attempted exactly once; nothing here retries.
//
// # Outputs
//
// Frames of the form `data: {"type":"...","data":"..."}\n\n` with type in
// reasoning|content|session_title|done. The stream always terminates with
// exactly one done frame, success or failure.
//
// HTTP status (before streaming starts):
//   - 400 Bad Request: invalid body, or message empty after trimming
//   - 404 Not Found: supplied session id does not exist
//   - 500 Internal Server Error: persistence or SSE setup failure
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream
	requestID := uuid.NewString()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Parse and validate.
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat request", "requestId", requestID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat request validation failed", "requestId", requestID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	userText := strings.TrimSpace(req.Message)
	if userText == "" {
		span.SetStatus(codes.Error, "empty message")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must not be empty"})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.Bool("request.thinking_mode", req.ThinkingMode),
	)

	// Step 2: Resolve or create the target session. Creation happens
	// exactly once, only when no id was supplied.
	var sess store.Session
	if req.SessionID != nil {
		existing, found, err := h.store.GetSession(ctx, *req.SessionID)
		if err != nil {
			h.failBeforeStream(c, span, requestID, "load session", err)
			return
		}
		if !found {
			span.SetStatus(codes.Error, "session not found")
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeSessionNotFound)
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		sess = existing
	} else {
		created, err := h.store.CreateSession(ctx, "")
		if err != nil {
			h.failBeforeStream(c, span, requestID, "create session", err)
			return
		}
		sess = created
	}
	span.SetAttributes(attribute.Int64("chat.session_id", sess.ID))

	// Step 3: Load history and assemble the transcript.
	history, err := h.store.ListMessages(ctx, sess.ID)
	if err != nil {
		h.failBeforeStream(c, span, requestID, "load history", err)
		return
	}
	transcript := conversation.BuildTranscript(history, userText)

	// Step 4: First exchange of the session names it after the user text.
	// The title row is written now; the announcement frame waits for a
	// successful turn.
	announceTitle := ""
	if len(history) == 0 {
		announceTitle = deriveSessionTitle(userText)
		if _, err := h.store.UpdateSessionTitle(ctx, sess.ID, announceTitle); err != nil {
			h.failBeforeStream(c, span, requestID, "update title", err)
			return
		}
	}

	// Step 5: Persist the user message before any streaming output, so a
	// failed turn still records that the user asked something.
	if _, err := h.store.AppendMessage(ctx, sess.ID, llm.RoleUser, userText, ""); err != nil {
		h.failBeforeStream(c, span, requestID, "persist user message", err)
		return
	}

	// Step 6: Switch to the event-stream response. From here on, failures
	// surface as wire frames, never as HTTP statuses.
	SetStreamHeaders(c.Writer)
	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create stream writer", "requestId", requestID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	upstream, err := h.llmClient.ChatStream(ctx, transcript, llm.ChatOptions{Thinking: req.ThinkingMode})
	if err != nil {
		h.failTurn(writer, span, requestID, err)
		return
	}
	defer upstream.Close()

	// Step 7: Relay the stream, accumulating both channels for the
	// assistant message persisted after completion.
	var reasoningBuf, contentBuf strings.Builder
	firstFrameTime := time.Time{}
	clientGone := false

	// forward writes a frame unless the client is known to be gone. A
	// write failure stops forwarding but not accumulation: the provider
	// stream is drained to completion so the answer can still be saved.
	forward := func(write func() error) {
		if clientGone {
			return
		}
		if firstFrameTime.IsZero() {
			firstFrameTime = time.Now()
		}
		if err := write(); err != nil {
			clientGone = true
			slog.Warn("Client write failed, continuing stream for persistence",
				"requestId", requestID, "sessionId", sess.ID, "error", err)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			}
		}
	}

	for {
		event, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.failTurn(writer, span, requestID, err)
			return
		}

		switch event.Type {
		case llm.StreamEventReasoning:
			reasoningBuf.WriteString(event.Text)
			forward(func() error { return writer.WriteReasoning(event.Text) })
		case llm.StreamEventContent:
			contentBuf.WriteString(event.Text)
			forward(func() error { return writer.WriteContent(event.Text) })
		case llm.StreamEventDone:
			if announceTitle != "" {
				forward(func() error { return writer.WriteSessionTitle(announceTitle) })
			}
			forward(func() error { return writer.WriteDone() })
		}
	}

	if !firstFrameTime.IsZero() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstFrame(endpoint, firstFrameTime.Sub(startTime).Seconds())
		}
	}

	// Step 8: Persist the assistant message on a context detached from the
	// request, so cancellation after the model finished does not lose the
	// already-generated answer.
	persistCtx := context.WithoutCancel(c.Request.Context())
	if _, err := h.store.AppendMessage(persistCtx, sess.ID, llm.RoleAssistant,
		contentBuf.String(), reasoningBuf.String()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assistant message persistence failed")
		slog.Error("Failed to persist assistant message",
			"requestId", requestID, "sessionId", sess.ID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		return
	}

	success = true
	span.SetStatus(codes.Ok, "turn completed")
	slog.Info("Chat turn completed",
		"requestId", requestID,
		"sessionId", sess.ID,
		"thinking", req.ThinkingMode,
		"contentLen", contentBuf.Len(),
		"reasoningLen", reasoningBuf.Len(),
	)
}

// failBeforeStream reports a persistence failure that happened before the
// event stream was opened, while a plain HTTP error is still possible.
func (h *ChatHandler) failBeforeStream(c *gin.Context, span trace.Span,
	requestID, op string, err error) {

	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	slog.Error("Chat turn setup failed", "requestId", requestID, "op", op, "error", err)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(observability.EndpointChatStream, observability.ErrorCodeStorage)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// failTurn closes out a turn whose completion stream failed: the error is
// classified into the fixed taxonomy, substituted as a single content
// frame, and followed by the terminal done frame. No assistant message is
// persisted; the user message written earlier remains.
func (h *ChatHandler) failTurn(writer StreamWriter, span trace.Span,
	requestID string, err error) {

	span.RecordError(err)
	span.SetStatus(codes.Error, "completion stream failed")
	slog.Error("Completion stream failed", "requestId", requestID, "error", err)

	if m := observability.DefaultMetrics; m != nil {
		if errors.Is(err, context.Canceled) {
			m.RecordError(observability.EndpointChatStream, observability.ErrorCodeClientDisconnect)
		} else {
			m.RecordError(observability.EndpointChatStream, observability.ErrorCodeLLMError)
		}
	}

	_ = writer.WriteContent(classifyStreamError(err))
	_ = writer.WriteDone()
}

// deriveSessionTitle names a session after its first user message: the
// trimmed text truncated to titleRuneLimit runes with an ellipsis appended
// iff truncated, or the default title when the text is empty.
func deriveSessionTitle(trimmed string) string {
	if trimmed == "" {
		return store.DefaultSessionTitle
	}
	runes := []rune(trimmed)
	if len(runes) > titleRuneLimit {
		return string(runes[:titleRuneLimit]) + "…"
	}
	return trimmed
}

// classifyStreamError maps a completion failure onto the fixed user-facing
// taxonomy. Structured API errors are classified by HTTP status first;
// anything else falls back to substring matching on the failure text, and
// unclassified failures surface verbatim behind an error marker.
func classifyStreamError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errMsgAuth
		case http.StatusTooManyRequests:
			return errMsgRate
		case http.StatusInternalServerError, http.StatusServiceUnavailable:
			return errMsgUpstream
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "401") || strings.Contains(lower, "invalid") ||
		strings.Contains(lower, "api_key") || strings.Contains(lower, "api key"):
		return errMsgAuth
	case strings.Contains(msg, "429") || strings.Contains(lower, "rate") ||
		strings.Contains(lower, "limit"):
		return errMsgRate
	case strings.Contains(msg, "500") || strings.Contains(msg, "503"):
		return errMsgUpstream
	}
	return "[error] " + msg
}
