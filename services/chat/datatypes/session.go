// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// SessionUpdateRequest is the body of PATCH /api/sessions/:id.
type SessionUpdateRequest struct {
	Title string `json:"title" validate:"required"`
}

// Validate validates the SessionUpdateRequest fields after JSON binding.
func (r *SessionUpdateRequest) Validate() error {
	return chatValidate.Struct(r)
}
