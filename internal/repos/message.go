package repos

import (
  "context"

  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/types"
)

type MessageRepo interface {
  Create(ctx context.Context, tx *gorm.DB, msg *types.ConversationMessage) error
  GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.ConversationMessage, error)
  ListBySession(ctx context.Context, tx *gorm.DB, sessionID, userID int64) ([]*types.ConversationMessage, error)
  UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, status string) error
  // UpdateStatusIf sets status only when the current status matches from.
  // Reports whether the row was updated.
  UpdateStatusIf(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error)
  UpdateContentAndOptions(ctx context.Context, tx *gorm.DB, id int64, content string, options datatypes.JSONMap) error
  UpdateOptions(ctx context.Context, tx *gorm.DB, id int64, options datatypes.JSONMap) error
  SoftDelete(ctx context.Context, tx *gorm.DB, id int64) error
}

type messageRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
  return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (mr *messageRepo) conn(tx *gorm.DB) *gorm.DB {
  if tx != nil {
    return tx
  }
  return mr.db
}

func (mr *messageRepo) Create(ctx context.Context, tx *gorm.DB, msg *types.ConversationMessage) error {
  return mr.conn(tx).WithContext(ctx).Create(msg).Error
}

func (mr *messageRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.ConversationMessage, error) {
  var msg types.ConversationMessage
  err := mr.conn(tx).WithContext(ctx).
    Where("id = ?", id).
    First(&msg).Error
  if err != nil {
    return nil, err
  }
  return &msg, nil
}

func (mr *messageRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID, userID int64) ([]*types.ConversationMessage, error) {
  var msgs []*types.ConversationMessage
  err := mr.conn(tx).WithContext(ctx).
    Where("session_id = ? AND user_id = ?", sessionID, userID).
    Order("created_at ASC").
    Order("id ASC").
    Find(&msgs).Error
  if err != nil {
    return nil, err
  }
  return msgs, nil
}

func (mr *messageRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, status string) error {
  return mr.conn(tx).WithContext(ctx).
    Model(&types.ConversationMessage{}).
    Where("id = ?", id).
    Update("status", status).Error
}

func (mr *messageRepo) UpdateStatusIf(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error) {
  res := mr.conn(tx).WithContext(ctx).
    Model(&types.ConversationMessage{}).
    Where("id = ? AND status = ?", id, from).
    Update("status", to)
  if res.Error != nil {
    return false, res.Error
  }
  return res.RowsAffected > 0, nil
}

func (mr *messageRepo) UpdateContentAndOptions(ctx context.Context, tx *gorm.DB, id int64, content string, options datatypes.JSONMap) error {
  updates := map[string]interface{}{"content": content}
  if options != nil {
    updates["options"] = options
  }
  return mr.conn(tx).WithContext(ctx).
    Model(&types.ConversationMessage{}).
    Where("id = ?", id).
    Updates(updates).Error
}

func (mr *messageRepo) UpdateOptions(ctx context.Context, tx *gorm.DB, id int64, options datatypes.JSONMap) error {
  return mr.conn(tx).WithContext(ctx).
    Model(&types.ConversationMessage{}).
    Where("id = ?", id).
    Update("options", options).Error
}

func (mr *messageRepo) SoftDelete(ctx context.Context, tx *gorm.DB, id int64) error {
  return mr.conn(tx).WithContext(ctx).
    Where("id = ?", id).
    Delete(&types.ConversationMessage{}).Error
}
