// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides request, response and wire types for the chat
// service.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes is the maximum size of a single chat message.
// Checked in bytes, not runes, to bound memory on hostile payloads.
const MaxMessageContentBytes = 32 * 1024 // 32KB

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// ChatRequest is the body of POST /api/chat.
//
// # Fields
//
//   - SessionID: Optional. Existing session to continue. When nil a new
//     session is created for this turn.
//   - Message: Required. The user's message text. Must be non-empty after
//     trimming (enforced by the handler) and at most 32KB.
//   - ThinkingMode: Optional. Ask the provider to stream its reasoning
//     channel alongside the answer.
type ChatRequest struct {
	SessionID    *int64 `json:"session_id"`
	Message      string `json:"message" validate:"required,maxbytes"`
	ThinkingMode bool   `json:"thinking_mode"`
}

// Validate validates the ChatRequest fields after JSON binding.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Wire frame types for the streaming chat response. The client receives
// frames of the exact form `data: {"type":"...","data":"..."}\n\n`.
const (
	FrameReasoning    = "reasoning"
	FrameContent      = "content"
	FrameSessionTitle = "session_title"
	FrameDone         = "done"
)

// StreamFrame is the closed {type, data} record carried by one wire frame.
type StreamFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}
