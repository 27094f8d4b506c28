// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/minervai/minichat/services/chat/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing chat stream frames to HTTP
// responses.
//
// # Description
//
// StreamWriter abstracts the text event-stream framing, enabling
// testability and separation from HTTP response mechanics. Each frame is
// written as `data: <json>\n\n` where the JSON is the closed
// {"type","data"} record, and flushed immediately so frames reach the
// client in exactly the order they were produced.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Assumptions
//
//   - Caller has set the event-stream headers via SetStreamHeaders before
//     the first write.
type StreamWriter interface {
	// WriteFrame serializes one frame and writes it to the response.
	WriteFrame(frame datatypes.StreamFrame) error

	// WriteReasoning writes one reasoning-channel fragment.
	WriteReasoning(text string) error

	// WriteContent writes one content-channel fragment.
	WriteContent(text string) error

	// WriteSessionTitle announces the title derived on a session's first
	// turn. Emitted at most once per turn, immediately before done.
	WriteSessionTitle(title string) error

	// WriteDone writes the terminal frame. Every stream ends with exactly
	// one done frame, success or failure.
	WriteDone() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamWriter implements StreamWriter over an http.ResponseWriter.
//
// Writes are mutex-guarded and flushed per frame; the transport's
// backpressure therefore stalls frame production rather than reordering or
// batching frames.
type streamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
// Returns an error when the ResponseWriter cannot flush, since unflushed
// frames would defeat incremental delivery.
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &streamWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteFrame serializes one frame and writes it to the response.
//
// Encoding is total: every frame payload is representable as text, so the
// only failure mode is the transport itself.
func (w *streamWriter) WriteFrame(frame datatypes.StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *streamWriter) WriteReasoning(text string) error {
	return w.WriteFrame(datatypes.StreamFrame{Type: datatypes.FrameReasoning, Data: text})
}

func (w *streamWriter) WriteContent(text string) error {
	return w.WriteFrame(datatypes.StreamFrame{Type: datatypes.FrameContent, Data: text})
}

func (w *streamWriter) WriteSessionTitle(title string) error {
	return w.WriteFrame(datatypes.StreamFrame{Type: datatypes.FrameSessionTitle, Data: title})
}

func (w *streamWriter) WriteDone() error {
	return w.WriteFrame(datatypes.StreamFrame{Type: datatypes.FrameDone, Data: ""})
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures HTTP response headers for the event stream:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*streamWriter)(nil)
