// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minervai/minichat/services/chat/datatypes"
	"github.com/minervai/minichat/services/chat/store"
	"github.com/minervai/minichat/services/llm"
)

// =============================================================================
// Test Setup
// =============================================================================

// scriptedStream plays back a fixed sequence of stream events, then either
// fails with err or reports io.EOF.
type scriptedStream struct {
	events []llm.StreamEvent
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (llm.StreamEvent, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.err != nil {
		return llm.StreamEvent{}, s.err
	}
	return llm.StreamEvent{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// mockLLMClient implements llm.Client for handler testing.
type mockLLMClient struct {
	// Events are played back in order by the returned stream.
	Events []llm.StreamEvent
	// StreamErr is returned by Recv after Events are exhausted.
	StreamErr error
	// OpenErr is returned by ChatStream itself.
	OpenErr error

	CallCount    int
	LastMessages []llm.Message
	LastOpts     llm.ChatOptions
}

func (m *mockLLMClient) ChatStream(ctx context.Context, messages []llm.Message,
	opts llm.ChatOptions) (llm.Stream, error) {

	m.CallCount++
	m.LastMessages = messages
	m.LastOpts = opts
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	return &scriptedStream{events: m.Events, err: m.StreamErr}, nil
}

// happyEvents builds a well-formed stream: the given reasoning fragment (if
// any), the given content fragments, and the terminal done event.
func happyEvents(reasoning string, content ...string) []llm.StreamEvent {
	var events []llm.StreamEvent
	if reasoning != "" {
		events = append(events, llm.StreamEvent{Type: llm.StreamEventReasoning, Text: reasoning})
	}
	for _, c := range content {
		events = append(events, llm.StreamEvent{Type: llm.StreamEventContent, Text: c})
	}
	return append(events, llm.StreamEvent{Type: llm.StreamEventDone})
}

// newChatTestRouter wires a ChatHandler against an in-memory store.
func newChatTestRouter(t *testing.T, mockLLM *mockLLMClient) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err, "in-memory store should open")
	t.Cleanup(func() { _ = st.Close() })

	handler := NewChatHandler(st, mockLLM)
	router := gin.New()
	router.POST("/api/chat", handler.HandleChatStream)
	return router, st
}

// postChat sends a chat request and returns the recorded response.
func postChat(t *testing.T, router *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, _ := http.NewRequest("POST", "/api/chat", &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseFrames decodes the SSE body into its stream frames.
func parseFrames(t *testing.T, body string) []datatypes.StreamFrame {
	t.Helper()

	var frames []datatypes.StreamFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.Truef(t, strings.HasPrefix(block, "data: "), "unexpected SSE block %q", block)
		var frame datatypes.StreamFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

// concatFrames concatenates the payloads of all frames of the given type.
func concatFrames(frames []datatypes.StreamFrame, frameType string) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == frameType {
			b.WriteString(f.Data)
		}
	}
	return b.String()
}

func countFrames(frames []datatypes.StreamFrame, frameType string) int {
	n := 0
	for _, f := range frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

// =============================================================================
// NewChatHandler Tests
// =============================================================================

func TestNewChatHandler_PanicsOnNilDependencies(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	assert.Panics(t, func() { NewChatHandler(nil, &mockLLMClient{}) })
	assert.Panics(t, func() { NewChatHandler(st, nil) })
	assert.NotNil(t, NewChatHandler(st, &mockLLMClient{}))
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestHandleChatStream_InvalidRequestBody(t *testing.T) {
	router, _ := newChatTestRouter(t, &mockLLMClient{})

	req, _ := http.NewRequest("POST", "/api/chat", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_EmptyMessage(t *testing.T) {
	mockLLM := &mockLLMClient{}
	router, st := newChatTestRouter(t, mockLLM)

	for _, message := range []string{"", "   \n\t  "} {
		w := postChat(t, router, map[string]any{"message": message})
		assert.Equal(t, http.StatusBadRequest, w.Code, "message %q should be rejected", message)
	}

	// Rejection happens before any persistence or model call.
	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session should be created for a rejected turn")
	assert.Equal(t, 0, mockLLM.CallCount)
}

func TestHandleChatStream_UnknownSession(t *testing.T) {
	mockLLM := &mockLLMClient{Events: happyEvents("", "hi")}
	router, st := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "hello", "session_id": 999})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, mockLLM.CallCount, "no model call for an unknown session")

	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions, "a 404 turn must leave no trace")
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestHandleChatStream_NewSessionSuccess(t *testing.T) {
	mockLLM := &mockLLMClient{Events: happyEvents("Let me think.", "Hello", " world")}
	router, st := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "What is Go?"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	frames := parseFrames(t, w.Body.String())
	require.NotEmpty(t, frames)

	assert.Equal(t, "Let me think.", concatFrames(frames, datatypes.FrameReasoning))
	assert.Equal(t, "Hello world", concatFrames(frames, datatypes.FrameContent))
	assert.Equal(t, "What is Go?", concatFrames(frames, datatypes.FrameSessionTitle))
	assert.Equal(t, 1, countFrames(frames, datatypes.FrameDone))
	assert.Equal(t, datatypes.FrameDone, frames[len(frames)-1].Type, "done frame must be last")

	// The title frame precedes the done frame.
	titleIdx, doneIdx := -1, -1
	for i, f := range frames {
		switch f.Type {
		case datatypes.FrameSessionTitle:
			titleIdx = i
		case datatypes.FrameDone:
			doneIdx = i
		}
	}
	assert.Less(t, titleIdx, doneIdx)

	// Both messages of the turn are durable, with reasoning on the
	// assistant message only.
	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "What is Go?", sessions[0].Title)

	messages, err := st.ListMessages(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
	assert.Equal(t, "What is Go?", messages[0].Content)
	assert.Empty(t, messages[0].ReasoningContent)
	assert.Equal(t, llm.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello world", messages[1].Content)
	assert.Equal(t, "Let me think.", messages[1].ReasoningContent)
}

func TestHandleChatStream_ExistingSessionKeepsTitle(t *testing.T) {
	mockLLM := &mockLLMClient{Events: happyEvents("", "sure")}
	router, st := newChatTestRouter(t, mockLLM)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "First question")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, sess.ID, llm.RoleUser, "First question", "")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, sess.ID, llm.RoleAssistant, "First answer", "")
	require.NoError(t, err)

	w := postChat(t, router, map[string]any{"message": "And another thing", "session_id": sess.ID})
	require.Equal(t, http.StatusOK, w.Code)

	frames := parseFrames(t, w.Body.String())
	assert.Zero(t, countFrames(frames, datatypes.FrameSessionTitle),
		"title is only announced on the first exchange")

	got, found, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "First question", got.Title)

	// Prior history plus the new user text reach the model in order.
	require.Len(t, mockLLM.LastMessages, 3)
	assert.Equal(t, llm.RoleUser, mockLLM.LastMessages[0].Role)
	assert.Equal(t, "First question", mockLLM.LastMessages[0].Content)
	assert.Equal(t, llm.RoleAssistant, mockLLM.LastMessages[1].Role)
	assert.Equal(t, "And another thing", mockLLM.LastMessages[2].Content)
}

func TestHandleChatStream_TitleTruncatedByRunes(t *testing.T) {
	mockLLM := &mockLLMClient{Events: happyEvents("", "ok")}
	router, st := newChatTestRouter(t, mockLLM)

	// 35 multi-byte runes; truncation must count runes, not bytes.
	message := strings.Repeat("é", 35)
	w := postChat(t, router, map[string]any{"message": "  " + message + "  "})
	require.Equal(t, http.StatusOK, w.Code)

	wantTitle := strings.Repeat("é", 30) + "…"
	frames := parseFrames(t, w.Body.String())
	assert.Equal(t, wantTitle, concatFrames(frames, datatypes.FrameSessionTitle))

	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, wantTitle, sessions[0].Title)
}

func TestHandleChatStream_ShortTitleHasNoEllipsis(t *testing.T) {
	mockLLM := &mockLLMClient{Events: happyEvents("", "ok")}
	router, _ := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "short"})
	require.Equal(t, http.StatusOK, w.Code)

	frames := parseFrames(t, w.Body.String())
	assert.Equal(t, "short", concatFrames(frames, datatypes.FrameSessionTitle))
}

func TestHandleChatStream_ThinkingModeReachesClient(t *testing.T) {
	mockLLM := &mockLLMClient{Events: happyEvents("deep thought", "42")}
	router, _ := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "think hard", "thinking_mode": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mockLLM.LastOpts.Thinking)

	w = postChat(t, router, map[string]any{"message": "be quick"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, mockLLM.LastOpts.Thinking)
}

// =============================================================================
// Failure-Path Tests
// =============================================================================

func TestHandleChatStream_OpenFailureEmitsErrorFrames(t *testing.T) {
	mockLLM := &mockLLMClient{
		OpenErr: &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"},
	}
	router, st := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, w.Code, "stream failures surface as frames, not statuses")

	frames := parseFrames(t, w.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, datatypes.FrameContent, frames[0].Type)
	assert.Equal(t, errMsgAuth, frames[0].Data)
	assert.Equal(t, datatypes.FrameDone, frames[1].Type)

	// The user message is already durable; no assistant message is saved.
	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	messages, err := st.ListMessages(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
}

func TestHandleChatStream_MidStreamFailure(t *testing.T) {
	mockLLM := &mockLLMClient{
		Events: []llm.StreamEvent{
			{Type: llm.StreamEventContent, Text: "partial "},
		},
		StreamErr: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
	}
	router, st := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	frames := parseFrames(t, w.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "partial ", frames[0].Data)
	assert.Equal(t, errMsgRate, frames[1].Data)
	assert.Equal(t, datatypes.FrameDone, frames[2].Type)
	assert.Equal(t, 1, countFrames(frames, datatypes.FrameDone))

	// Partial assistant output is discarded.
	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	messages, err := st.ListMessages(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestHandleChatStream_FailedFirstTurnWithholdsTitleFrame(t *testing.T) {
	mockLLM := &mockLLMClient{
		OpenErr: &openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable},
	}
	router, st := newChatTestRouter(t, mockLLM)

	w := postChat(t, router, map[string]any{"message": "name me"})
	require.Equal(t, http.StatusOK, w.Code)

	frames := parseFrames(t, w.Body.String())
	assert.Zero(t, countFrames(frames, datatypes.FrameSessionTitle))
	assert.Equal(t, errMsgUpstream, concatFrames(frames, datatypes.FrameContent))

	// The stored title is still derived; only its announcement is withheld.
	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "name me", sessions[0].Title)
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestClassifyStreamError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"api 401", &openai.APIError{HTTPStatusCode: 401}, errMsgAuth},
		{"api 403", &openai.APIError{HTTPStatusCode: 403}, errMsgAuth},
		{"api 429", &openai.APIError{HTTPStatusCode: 429}, errMsgRate},
		{"api 500", &openai.APIError{HTTPStatusCode: 500}, errMsgUpstream},
		{"api 503", &openai.APIError{HTTPStatusCode: 503}, errMsgUpstream},
		{"text invalid key", assertErr("invalid api_key provided"), errMsgAuth},
		{"text 401", assertErr("status 401 from upstream"), errMsgAuth},
		{"text rate", assertErr("request rate exceeded"), errMsgRate},
		{"text 503", assertErr("upstream returned 503"), errMsgUpstream},
		{"unclassified", assertErr("boom"), "[error] boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStreamError(tt.err))
		})
	}
}

// assertErr builds a plain error with the given text.
func assertErr(msg string) error { return &textError{msg} }

type textError struct{ s string }

func (e *textError) Error() string { return e.s }

// =============================================================================
// Title Derivation Tests
// =============================================================================

func TestDeriveSessionTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty falls back", "", store.DefaultSessionTitle},
		{"short kept verbatim", "hello", "hello"},
		{"exactly 30 runes kept", strings.Repeat("a", 30), strings.Repeat("a", 30)},
		{"31 runes truncated", strings.Repeat("a", 31), strings.Repeat("a", 30) + "…"},
		{"multibyte counted as runes", strings.Repeat("好", 31), strings.Repeat("好", 30) + "…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveSessionTitle(tt.in))
		})
	}
}
