package types

import (
  "time"

  "gorm.io/datatypes"
  "gorm.io/gorm"
)

const (
  RoleUser      = "user"
  RoleAssistant = "assistant"
)

// Status values apply to user rows only; assistant rows are written once,
// fully formed, as completed.
const (
  StatusPending    = "pending"
  StatusGenerating = "generating"
  StatusCompleted  = "completed"
)

// ConversationMessage is one row in a session's ordered message log. A turn
// is a user row plus, after a successful generation, its paired assistant row.
type ConversationMessage struct {
  ID               int64             `gorm:"primaryKey;autoIncrement" json:"id"`
  SessionID        int64             `gorm:"not null;index;column:session_id" json:"session_id"`
  UserID           int64             `gorm:"not null;index;column:user_id" json:"user_id"`
  KbID             *int64            `gorm:"column:kb_id" json:"kb_id,omitempty"`
  Role             string            `gorm:"not null;column:role" json:"role"`
  Content          string            `gorm:"type:text;column:content" json:"content"`
  Status           string            `gorm:"column:status" json:"status,omitempty"`
  ModelID          int64             `gorm:"column:model_id" json:"model_id"`
  Options          datatypes.JSONMap `gorm:"type:jsonb;column:options" json:"options,omitempty"`
  RagContext       datatypes.JSON    `gorm:"type:jsonb;column:rag_context" json:"rag_context,omitempty"`
  PromptTokens     *int              `gorm:"column:prompt_tokens" json:"prompt_tokens,omitempty"`
  CompletionTokens *int              `gorm:"column:completion_tokens" json:"completion_tokens,omitempty"`
  TotalTokens      *int              `gorm:"column:total_tokens" json:"total_tokens,omitempty"`
  LatencyMs        *int64            `gorm:"column:latency_ms" json:"latency_ms,omitempty"`
  CreatedAt        time.Time         `gorm:"not null;index" json:"created_at"`
  DeletedAt        gorm.DeletedAt    `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversationMessage) TableName() string {
  return "conversation_messages"
}
