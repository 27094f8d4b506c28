// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/minervai/minichat/services/chat/datatypes"
	"github.com/minervai/minichat/services/chat/store"
)

// sessionIDParam extracts the :sessionId path parameter as an int64,
// answering 400 itself when the value is not a valid id.
func sessionIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("sessionId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

// ListSessions returns all sessions, most recently updated first.
func ListSessions(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := st.ListSessions(c.Request.Context())
		if err != nil {
			slog.Error("Failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, sessions)
	}
}

// CreateSession creates an empty session with the default title and
// returns it.
func CreateSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := st.CreateSession(c.Request.Context(), "")
		if err != nil {
			slog.Error("Failed to create session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		slog.Info("Created session", "sessionId", session.ID)
		c.JSON(http.StatusOK, session)
	}
}

// GetSession returns a single session by id, or 404 if it does not exist.
func GetSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionIDParam(c)
		if !ok {
			return
		}
		session, found, err := st.GetSession(c.Request.Context(), id)
		if err != nil {
			slog.Error("Failed to load session", "sessionId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// ListSessionMessages returns a session's messages in conversation order,
// or 404 when the session does not exist.
func ListSessionMessages(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionIDParam(c)
		if !ok {
			return
		}
		_, found, err := st.GetSession(c.Request.Context(), id)
		if err != nil {
			slog.Error("Failed to load session", "sessionId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		messages, err := st.ListMessages(c.Request.Context(), id)
		if err != nil {
			slog.Error("Failed to list messages", "sessionId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		c.JSON(http.StatusOK, messages)
	}
}

// UpdateSessionTitle renames a session, returning the updated session or
// 404 when it does not exist.
func UpdateSessionTitle(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionIDParam(c)
		if !ok {
			return
		}
		var req datatypes.SessionUpdateRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title must not be empty"})
			return
		}
		session, err := st.UpdateSessionTitle(c.Request.Context(), id, req.Title)
		if err != nil {
			if err == store.ErrSessionNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to update session title", "sessionId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update session"})
			return
		}
		slog.Info("Updated session title", "sessionId", id)
		c.JSON(http.StatusOK, session)
	}
}

// DeleteSession removes a session and, through the schema's cascade, every
// message that belongs to it.
func DeleteSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionIDParam(c)
		if !ok {
			return
		}
		if err := st.DeleteSession(c.Request.Context(), id); err != nil {
			if err == store.ErrSessionNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to delete session", "sessionId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		slog.Info("Deleted session", "sessionId", id)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	}
}
