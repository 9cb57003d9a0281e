package redis

import (
  "context"
  "encoding/json"
  "fmt"
  "os"
  "strings"
  "time"

  goredis "github.com/redis/go-redis/v9"

  "github.com/mkld/ragchat-backend/internal/logger"
)

// TitleEvent is a generated session title fanned out between instances. The
// broker queue is a competing-consumer queue, so the instance that consumes a
// naming result is not necessarily the one holding the waiting connection.
type TitleEvent struct {
  SessionID int64  `json:"session_id"`
  Title     string `json:"title"`
}

type TitleBus interface {
  Publish(ctx context.Context, ev TitleEvent) error
  StartForwarder(ctx context.Context, onEvent func(ev TitleEvent)) error
  Close() error
}

type titleBus struct {
  log     *logger.Logger
  rdb     *goredis.Client
  channel string
}

// NewTitleBus connects to REDIS_ADDR. Callers should treat a missing
// REDIS_ADDR as "run single-instance, no bus".
func NewTitleBus(log *logger.Logger) (TitleBus, error) {
  addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
  if addr == "" {
    return nil, fmt.Errorf("missing REDIS_ADDR")
  }
  channel := strings.TrimSpace(os.Getenv("REDIS_TITLE_CHANNEL"))
  if channel == "" {
    channel = "session.title"
  }

  rdb := goredis.NewClient(&goredis.Options{
    Addr:        addr,
    DialTimeout: 5 * time.Second,
  })

  ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
  defer cancel()
  if err := rdb.Ping(ctx).Err(); err != nil {
    _ = rdb.Close()
    return nil, fmt.Errorf("redis ping: %w", err)
  }

  return &titleBus{
    log:     log.With("service", "RedisTitleBus"),
    rdb:     rdb,
    channel: channel,
  }, nil
}

func (b *titleBus) Publish(ctx context.Context, ev TitleEvent) error {
  raw, err := json.Marshal(ev)
  if err != nil {
    return err
  }
  return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *titleBus) StartForwarder(ctx context.Context, onEvent func(ev TitleEvent)) error {
  if onEvent == nil {
    return fmt.Errorf("onEvent callback required")
  }

  sub := b.rdb.Subscribe(ctx, b.channel)
  if _, err := sub.Receive(ctx); err != nil {
    _ = sub.Close()
    return fmt.Errorf("redis subscribe: %w", err)
  }

  go func() {
    ch := sub.Channel()
    for {
      select {
      case <-ctx.Done():
        _ = sub.Close()
        return
      case m, ok := <-ch:
        if !ok || m == nil {
          _ = sub.Close()
          return
        }
        var ev TitleEvent
        if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
          b.log.Warn("Bad redis title payload", "error", err)
          continue
        }
        onEvent(ev)
      }
    }
  }()
  return nil
}

func (b *titleBus) Close() error {
  return b.rdb.Close()
}
