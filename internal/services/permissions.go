package services

import (
  "context"
)

// ModelGrant is the resolved permission to use a model, forwarded verbatim to
// the generation gateway as the "model" field.
type ModelGrant struct {
  ModelID  int64  `json:"modelId"`
  Name     string `json:"name,omitempty"`
  Provider string `json:"provider,omitempty"`
  BaseURL  string `json:"baseUrl,omitempty"`
  APIKey   string `json:"apiKey,omitempty"`
}

// ModelAccess resolves whether a role may use a model. Implemented by the
// surrounding platform; the chat engine trusts its result.
type ModelAccess interface {
  CanUseModel(ctx context.Context, roleID int, modelID int64) (*ModelGrant, error)
}

// KbInfo is the knowledge-base metadata merged into gateway options.
type KbInfo struct {
  OwnerUserID  int64
  SystemPrompt string
}

// KbAccess answers knowledge-base read permission and metadata lookups.
// Implemented by the surrounding platform.
type KbAccess interface {
  CanReadKb(ctx context.Context, kbID, userID, workspaceID int64) (bool, error)
  GetKbInfo(ctx context.Context, kbID int64) (*KbInfo, error)
}

// OpenModelAccess grants every model to every role. Default for deployments
// without a permission service.
type OpenModelAccess struct{}

func (OpenModelAccess) CanUseModel(ctx context.Context, roleID int, modelID int64) (*ModelGrant, error) {
  return &ModelGrant{ModelID: modelID}, nil
}

// OpenKbAccess grants read on every knowledge base and knows no metadata.
type OpenKbAccess struct{}

func (OpenKbAccess) CanReadKb(ctx context.Context, kbID, userID, workspaceID int64) (bool, error) {
  return true, nil
}

func (OpenKbAccess) GetKbInfo(ctx context.Context, kbID int64) (*KbInfo, error) {
  return nil, nil
}
