package repos

import (
  "context"
  "time"

  "gorm.io/gorm"

  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/types"
)

// SessionCursor is a keyset cursor over (last_active_at DESC, id DESC).
type SessionCursor struct {
  LastActiveAt time.Time
  LastID       int64
}

type SessionRepo interface {
  Create(ctx context.Context, tx *gorm.DB, session *types.QuerySession) error
  GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.QuerySession, error)
  GetOwned(ctx context.Context, tx *gorm.DB, id, userID, workspaceID int64) (*types.QuerySession, error)
  SetSessionKey(ctx context.Context, tx *gorm.DB, id int64, key string) error
  TouchLastActive(ctx context.Context, tx *gorm.DB, id int64) error
  ListByCursor(ctx context.Context, tx *gorm.DB, userID, workspaceID int64, cursor *SessionCursor, pageSize int) ([]*types.QuerySession, bool, error)
  SoftDelete(ctx context.Context, tx *gorm.DB, id, userID, workspaceID int64) (bool, error)
}

type sessionRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
  return &sessionRepo{db: db, log: baseLog.With("repo", "SessionRepo")}
}

func (sr *sessionRepo) conn(tx *gorm.DB) *gorm.DB {
  if tx != nil {
    return tx
  }
  return sr.db
}

func (sr *sessionRepo) Create(ctx context.Context, tx *gorm.DB, session *types.QuerySession) error {
  if session.LastActiveAt.IsZero() {
    session.LastActiveAt = time.Now()
  }
  return sr.conn(tx).WithContext(ctx).Create(session).Error
}

func (sr *sessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.QuerySession, error) {
  var session types.QuerySession
  err := sr.conn(tx).WithContext(ctx).
    Where("id = ?", id).
    First(&session).Error
  if err != nil {
    return nil, err
  }
  return &session, nil
}

func (sr *sessionRepo) GetOwned(ctx context.Context, tx *gorm.DB, id, userID, workspaceID int64) (*types.QuerySession, error) {
  var session types.QuerySession
  err := sr.conn(tx).WithContext(ctx).
    Where("id = ? AND user_id = ? AND workspace_id = ?", id, userID, workspaceID).
    First(&session).Error
  if err != nil {
    return nil, err
  }
  return &session, nil
}

func (sr *sessionRepo) SetSessionKey(ctx context.Context, tx *gorm.DB, id int64, key string) error {
  return sr.conn(tx).WithContext(ctx).
    Model(&types.QuerySession{}).
    Where("id = ?", id).
    Update("session_key", key).Error
}

func (sr *sessionRepo) TouchLastActive(ctx context.Context, tx *gorm.DB, id int64) error {
  return sr.conn(tx).WithContext(ctx).
    Model(&types.QuerySession{}).
    Where("id = ?", id).
    Update("last_active_at", time.Now()).Error
}

func (sr *sessionRepo) ListByCursor(ctx context.Context, tx *gorm.DB, userID, workspaceID int64, cursor *SessionCursor, pageSize int) ([]*types.QuerySession, bool, error) {
  q := sr.conn(tx).WithContext(ctx).
    Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
    Order("last_active_at DESC").
    Order("id DESC").
    Limit(pageSize + 1)

  if cursor != nil {
    q = q.Where(
      "last_active_at < ? OR (last_active_at = ? AND id < ?)",
      cursor.LastActiveAt, cursor.LastActiveAt, cursor.LastID,
    )
  }

  var sessions []*types.QuerySession
  if err := q.Find(&sessions).Error; err != nil {
    return nil, false, err
  }

  hasMore := len(sessions) > pageSize
  if hasMore {
    sessions = sessions[:pageSize]
  }
  return sessions, hasMore, nil
}

func (sr *sessionRepo) SoftDelete(ctx context.Context, tx *gorm.DB, id, userID, workspaceID int64) (bool, error) {
  res := sr.conn(tx).WithContext(ctx).
    Where("id = ? AND user_id = ? AND workspace_id = ?", id, userID, workspaceID).
    Delete(&types.QuerySession{})
  if res.Error != nil {
    return false, res.Error
  }
  return res.RowsAffected > 0, nil
}
