// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minervai/minichat/services/chat/handlers"
	"github.com/minervai/minichat/services/chat/store"
	"github.com/minervai/minichat/services/llm"
)

func SetupRoutes(router *gin.Engine, st store.Store, llmClient llm.Client) {
	router.GET("/", handlers.HandleRoot)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatHandler(st, llmClient)

	api := router.Group("/api")
	{
		api.GET("/health", handlers.HandleHealth)
		api.POST("/chat", chatHandler.HandleChatStream)

		sessions := api.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(st))
			sessions.POST("", handlers.CreateSession(st))
			sessions.GET("/:sessionId", handlers.GetSession(st))
			sessions.GET("/:sessionId/messages", handlers.ListSessionMessages(st))
			sessions.PATCH("/:sessionId", handlers.UpdateSessionTitle(st))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(st))
		}
	}
}
