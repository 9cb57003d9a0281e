package server

import (
  "github.com/gin-contrib/cors"
  "github.com/gin-gonic/gin"

  "github.com/mkld/ragchat-backend/internal/handlers"
  "github.com/mkld/ragchat-backend/internal/middleware"
)

type RouterConfig struct {
  AuthMiddleware *middleware.AuthMiddleware
  ChatHandler    *handlers.ChatHandler
  SessionHandler *handlers.SessionHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
  router := gin.Default()

  // Cors
  router.Use(cors.New(cors.Config{
    AllowOrigins: []string{
      "http://localhost:80",
      "http://localhost:3000",
      "http://localhost:5174",
    },
    AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
    AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
    AllowCredentials: true,
  }))

// ===============
// || Public    ||
// ===============
  router.GET("/healthcheck", handlers.HealthCheck)

// ===============
// || Protected ||
// ===============
  protected := router.Group("/")
  protected.Use(cfg.AuthMiddleware.RequireAuth())
  // Chat
  protected.POST("/chat/start", cfg.ChatHandler.StartChat)
  protected.POST("/chat/stream", cfg.ChatHandler.StreamChat)
  protected.POST("/chat/messages/:id/edit", cfg.ChatHandler.EditMessage)
  protected.POST("/chat/messages/:id/retry", cfg.ChatHandler.RetryMessage)
  protected.GET("/chat/sessions/:sessionId/messages", cfg.ChatHandler.GetMessages)
  // Sessions
  protected.GET("/sessions", cfg.SessionHandler.ListSessions)
  protected.GET("/sessions/:id/title/await", cfg.SessionHandler.AwaitTitle)
  protected.DELETE("/sessions/:id", cfg.SessionHandler.DeleteSession)

  return router
}
