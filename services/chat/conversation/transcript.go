// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation assembles stored message history into model input.
package conversation

import (
	"github.com/minervai/minichat/services/chat/store"
	"github.com/minervai/minichat/services/llm"
)

// BuildTranscript converts a session's stored history into the ordered
// role/content list the completion API expects and appends the new user
// message as the final element.
//
// Reasoning content is stripped entirely: the provider's contract forbids
// resubmitting prior reasoning as conversational context. Empty contents
// pass through as empty strings rather than being dropped, so the model
// sees the correct turn structure. No side effects.
func BuildTranscript(history []store.Message, userText string) []llm.Message {
	transcript := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		transcript = append(transcript, llm.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	transcript = append(transcript, llm.Message{
		Role:    llm.RoleUser,
		Content: userText,
	})
	return transcript
}
