package types

import (
  "time"

  "gorm.io/gorm"
)

// QuerySession is one conversation context. SessionKey stays null until the
// naming worker answers with a generated title.
type QuerySession struct {
  ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
  UserID       int64          `gorm:"not null;index;column:user_id" json:"user_id"`
  WorkspaceID  int64          `gorm:"not null;index;column:workspace_id" json:"workspace_id"`
  SessionKey   *string        `gorm:"column:session_key" json:"session_key,omitempty"`
  LastActiveAt time.Time      `gorm:"not null;index;column:last_active_at" json:"last_active_at"`
  CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
  DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (QuerySession) TableName() string {
  return "query_sessions"
}
