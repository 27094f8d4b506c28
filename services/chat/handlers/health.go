// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleRoot answers GET / with a short service banner.
func HandleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "MiniChat backend is running"})
}

// HandleHealth answers GET /api/health. Always returns 200 if running.
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
