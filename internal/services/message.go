package services

import (
  "context"
  "errors"

  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/repos"
  "github.com/mkld/ragchat-backend/internal/types"
)

// MessageService owns the turn-level mutations around a session's message
// log: edit and retry both soft-delete the paired assistant reply and reset
// the user message to pending so the next /chat/stream call picks it up.
type MessageService interface {
  GetSessionMessages(ctx context.Context, sessionID, userID int64) ([]*types.ConversationMessage, error)
  EditLastUserMessage(ctx context.Context, sessionID, messageID, userID int64, newContent string, options map[string]any) (*types.ConversationMessage, error)
  RetryLastAssistantMessage(ctx context.Context, sessionID, userMessageID, userID int64, options map[string]any) (*types.ConversationMessage, error)
}

type messageService struct {
  db          *gorm.DB
  messageRepo repos.MessageRepo
  log         *logger.Logger
}

func NewMessageService(db *gorm.DB, messageRepo repos.MessageRepo, baseLog *logger.Logger) MessageService {
  return &messageService{
    db:          db,
    messageRepo: messageRepo,
    log:         baseLog.With("service", "MessageService"),
  }
}

func (ms *messageService) GetSessionMessages(ctx context.Context, sessionID, userID int64) ([]*types.ConversationMessage, error) {
  msgs, err := ms.messageRepo.ListBySession(ctx, nil, sessionID, userID)
  if err != nil {
    return nil, err
  }
  return msgs, nil
}

// lastUserTurn finds the last user message and its index within msgs.
func lastUserTurn(msgs []*types.ConversationMessage) (*types.ConversationMessage, int) {
  for i := len(msgs) - 1; i >= 0; i-- {
    if msgs[i].Role == types.RoleUser {
      return msgs[i], i
    }
  }
  return nil, -1
}

func (ms *messageService) EditLastUserMessage(ctx context.Context, sessionID, messageID, userID int64, newContent string, options map[string]any) (*types.ConversationMessage, error) {
  if newContent == "" {
    return nil, apierr.Validation("new content must not be empty")
  }

  var edited *types.ConversationMessage
  err := ms.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
    msgs, err := ms.messageRepo.ListBySession(ctx, tx, sessionID, userID)
    if err != nil {
      return err
    }
    if len(msgs) == 0 {
      return apierr.NotFound("session not found or has no messages")
    }

    lastUser, idx := lastUserTurn(msgs)
    if lastUser == nil {
      return apierr.NotFound("no user message found")
    }
    if lastUser.ID != messageID {
      return apierr.Conflict("only the latest turn's user message can be edited")
    }
    if lastUser.Status == types.StatusGenerating {
      return apierr.Conflict("generation already in progress")
    }

    // Soft-delete the paired assistant reply, if any.
    if idx < len(msgs)-1 && msgs[idx+1].Role == types.RoleAssistant {
      if err := ms.messageRepo.SoftDelete(ctx, tx, msgs[idx+1].ID); err != nil {
        return err
      }
    }

    var opts datatypes.JSONMap
    if options != nil {
      opts = datatypes.JSONMap(NormalizeOptions(options))
    }
    if err := ms.messageRepo.UpdateContentAndOptions(ctx, tx, lastUser.ID, newContent, opts); err != nil {
      return err
    }
    if err := ms.messageRepo.UpdateStatus(ctx, tx, lastUser.ID, types.StatusPending); err != nil {
      return err
    }

    lastUser.Content = newContent
    lastUser.Status = types.StatusPending
    if opts != nil {
      lastUser.Options = opts
    }
    edited = lastUser
    return nil
  })
  if err != nil {
    return nil, wrapTurnErr(err)
  }
  return edited, nil
}

func (ms *messageService) RetryLastAssistantMessage(ctx context.Context, sessionID, userMessageID, userID int64, options map[string]any) (*types.ConversationMessage, error) {
  var retried *types.ConversationMessage
  err := ms.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
    msgs, err := ms.messageRepo.ListBySession(ctx, tx, sessionID, userID)
    if err != nil {
      return err
    }
    if len(msgs) == 0 {
      return apierr.NotFound("session not found or has no messages")
    }

    lastUser, idx := lastUserTurn(msgs)
    if lastUser == nil {
      return apierr.NotFound("no user message found")
    }
    if lastUser.ID != userMessageID {
      return apierr.Conflict("only the latest turn's reply can be retried")
    }
    if lastUser.Status == types.StatusGenerating {
      return apierr.Conflict("generation already in progress")
    }
    if idx >= len(msgs)-1 || msgs[idx+1].Role != types.RoleAssistant {
      return apierr.Conflict("no assistant reply to retry")
    }

    if err := ms.messageRepo.SoftDelete(ctx, tx, msgs[idx+1].ID); err != nil {
      return err
    }

    if options != nil {
      opts := datatypes.JSONMap(NormalizeOptions(options))
      if err := ms.messageRepo.UpdateOptions(ctx, tx, lastUser.ID, opts); err != nil {
        return err
      }
      lastUser.Options = opts
    }

    // Content is left untouched on retry.
    if err := ms.messageRepo.UpdateStatus(ctx, tx, lastUser.ID, types.StatusPending); err != nil {
      return err
    }
    lastUser.Status = types.StatusPending
    retried = lastUser
    return nil
  })
  if err != nil {
    return nil, wrapTurnErr(err)
  }
  return retried, nil
}

func wrapTurnErr(err error) error {
  var ae *apierr.Error
  if errors.As(err, &ae) {
    return ae
  }
  return err
}
