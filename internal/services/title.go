package services

import (
  "context"

  "github.com/mkld/ragchat-backend/internal/clients/rabbit"
  "github.com/mkld/ragchat-backend/internal/clients/redis"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/repos"
  "github.com/mkld/ragchat-backend/internal/titleawait"
)

const TitleEventName = "session_title"

// TitleService bridges the naming worker's broker answer back to a waiting
// client connection: persist the title, then deliver it exactly once through
// the registry. With a redis bus configured, delivery is fanned out so the
// instance holding the connection is the one that delivers.
type TitleService struct {
  sessionRepo repos.SessionRepo
  registry    *titleawait.Registry
  bus         redis.TitleBus
  log         *logger.Logger
}

func NewTitleService(sessionRepo repos.SessionRepo, registry *titleawait.Registry, bus redis.TitleBus, baseLog *logger.Logger) *TitleService {
  return &TitleService{
    sessionRepo: sessionRepo,
    registry:    registry,
    bus:         bus,
    log:         baseLog.With("service", "TitleService"),
  }
}

// StartForwarder subscribes to the bus, if any, so titles consumed by other
// instances still reach this instance's registry.
func (ts *TitleService) StartForwarder(ctx context.Context) error {
  if ts.bus == nil {
    return nil
  }
  return ts.bus.StartForwarder(ctx, func(ev redis.TitleEvent) {
    ts.registry.Deliver(ev.SessionID, TitleEventName, map[string]any{"title": ev.Title})
  })
}

// HandleNameResult is the broker consumer callback.
func (ts *TitleService) HandleNameResult(result rabbit.SessionNameResult) {
  ctx := context.Background()
  if err := ts.sessionRepo.SetSessionKey(ctx, nil, result.SessionID, result.SessionKey); err != nil {
    ts.log.Error("Failed to persist session title", "sessionID", result.SessionID, "error", err)
    // Still attempt delivery; the client cares about the title itself.
  }

  if ts.bus != nil {
    if err := ts.bus.Publish(ctx, redis.TitleEvent{SessionID: result.SessionID, Title: result.SessionKey}); err != nil {
      ts.log.Warn("Title bus publish failed, delivering locally", "sessionID", result.SessionID, "error", err)
      ts.registry.Deliver(result.SessionID, TitleEventName, map[string]any{"title": result.SessionKey})
    }
    return
  }
  ts.registry.Deliver(result.SessionID, TitleEventName, map[string]any{"title": result.SessionKey})
}
