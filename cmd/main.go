package main

import (
  "context"
  "fmt"
  "os"

  "github.com/mkld/ragchat-backend/internal/clients/rabbit"
  "github.com/mkld/ragchat-backend/internal/clients/ragllm"
  "github.com/mkld/ragchat-backend/internal/clients/redis"
  "github.com/mkld/ragchat-backend/internal/db"
  "github.com/mkld/ragchat-backend/internal/handlers"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/middleware"
  "github.com/mkld/ragchat-backend/internal/repos"
  "github.com/mkld/ragchat-backend/internal/server"
  "github.com/mkld/ragchat-backend/internal/services"
  "github.com/mkld/ragchat-backend/internal/titleawait"
  "github.com/mkld/ragchat-backend/internal/utils"
)

func main() {
  // Logger
  logMode := os.Getenv("LOG_MODE")
  if logMode == "" {
    logMode = "development"
  }
  log, err := logger.New(logMode)
  if err != nil {
    fmt.Printf("Failed to init logger: %v\n", err)
    os.Exit(1)
  }
  defer log.Sync()

  // Postgres
  postgresService, err := db.NewPostgresService(log)
  if err != nil {
    log.Error("Postgres init failed", "error", err)
    os.Exit(1)
  }
  if err = postgresService.AutoMigrateAll(); err != nil {
    log.Error("Postgres auto migration failed", "error", err)
    os.Exit(1)
  }
  thePG := postgresService.DB()

  // Repos
  log.Info("Setting up Repos from main...")
  sessionRepo := repos.NewSessionRepo(thePG, log)
  messageRepo := repos.NewMessageRepo(thePG, log)

  // Clients
  log.Info("Setting up Clients from main...")
  gateway := ragllm.NewClient(log)

  var namer services.SessionNamer
  rabbitClient, err := rabbit.NewClient(log)
  if err != nil {
    // A broker outage degrades naming only; chat still works.
    log.Warn("RabbitMQ init failed, session naming disabled", "error", err)
  } else {
    namer = rabbitClient
    defer rabbitClient.Close()
  }

  titleBus, err := redis.NewTitleBus(log)
  if err != nil {
    log.Warn("Redis title bus unavailable, delivering titles in-process only", "error", err)
    titleBus = nil
  } else {
    defer titleBus.Close()
  }

  // Title registry
  registry := titleawait.NewRegistry(log)

  // Services
  log.Info("Setting up Services from main...")
  modelAccess := services.OpenModelAccess{}
  kbAccess := services.OpenKbAccess{}
  messageService := services.NewMessageService(thePG, messageRepo, log)
  sessionService := services.NewSessionService(thePG, sessionRepo, messageRepo, modelAccess, kbAccess, namer, log)
  chatService := services.NewChatService(thePG, sessionRepo, messageRepo, messageService, modelAccess, kbAccess, gateway, log)
  defer chatService.Stop()
  titleService := services.NewTitleService(sessionRepo, registry, titleBus, log)

  ctx, cancel := context.WithCancel(context.Background())
  defer cancel()
  if titleBus != nil {
    if err := titleService.StartForwarder(ctx); err != nil {
      log.Warn("Title forwarder failed to start", "error", err)
    }
  }
  if rabbitClient != nil {
    if err := rabbitClient.ConsumeSessionNames(ctx, titleService.HandleNameResult); err != nil {
      log.Warn("Session name consumer failed to start", "error", err)
    }
  }

  // Handlers
  log.Info("Setting up handlers from main...")
  chatHandler := handlers.NewChatHandler(chatService, sessionService, log)
  sessionHandler := handlers.NewSessionHandler(sessionService, registry, log)

  // Middleware
  authMiddleware := middleware.NewAuthMiddleware(log)

  // Router
  log.Info("Setting up router from main...")
  router := server.NewRouter(server.RouterConfig{
    AuthMiddleware: authMiddleware,
    ChatHandler:    chatHandler,
    SessionHandler: sessionHandler,
  })

  port := utils.GetEnv("PORT", "8080", log)
  fmt.Printf("Server listening on :%s\n", port)
  if err := router.Run(":" + port); err != nil {
    log.Warn("Server failed", "error", err)
  }
}
