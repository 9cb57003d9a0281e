package services

import (
  "context"
  "errors"

  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/clients/rabbit"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/repos"
  "github.com/mkld/ragchat-backend/internal/types"
)

// SessionNamer asks the external worker to name a session. Satisfied by
// *rabbit.Client; nil-able for deployments without a broker.
type SessionNamer interface {
  PublishSessionName(ctx context.Context, req rabbit.SessionNameRequest) error
}

type StartChatInput struct {
  UserID      int64
  WorkspaceID int64
  RoleID      int
  ModelID     int64
  KbID        *int64
  Question    string
  Options     map[string]any
}

type SessionPage struct {
  Sessions []*types.QuerySession `json:"sessions"`
  HasMore  bool                  `json:"hasMore"`
}

type SessionService interface {
  // StartChat creates a session with its first pending user message and asks
  // the naming worker for a title.
  StartChat(ctx context.Context, in StartChatInput) (int64, error)
  Get(ctx context.Context, sessionID, userID, workspaceID int64) (*types.QuerySession, error)
  ListByCursor(ctx context.Context, userID, workspaceID int64, cursor *repos.SessionCursor, pageSize int) (*SessionPage, error)
  Delete(ctx context.Context, sessionID, userID, workspaceID int64) error
}

type sessionService struct {
  db          *gorm.DB
  sessionRepo repos.SessionRepo
  messageRepo repos.MessageRepo
  modelAccess ModelAccess
  kbAccess    KbAccess
  namer       SessionNamer
  log         *logger.Logger
}

func NewSessionService(
  db *gorm.DB,
  sessionRepo repos.SessionRepo,
  messageRepo repos.MessageRepo,
  modelAccess ModelAccess,
  kbAccess KbAccess,
  namer SessionNamer,
  baseLog *logger.Logger,
) SessionService {
  return &sessionService{
    db:          db,
    sessionRepo: sessionRepo,
    messageRepo: messageRepo,
    modelAccess: modelAccess,
    kbAccess:    kbAccess,
    namer:       namer,
    log:         baseLog.With("service", "SessionService"),
  }
}

func (ss *sessionService) StartChat(ctx context.Context, in StartChatInput) (int64, error) {
  if in.Question == "" {
    return 0, apierr.Validation("question must not be empty")
  }

  grant, err := ss.modelAccess.CanUseModel(ctx, in.RoleID, in.ModelID)
  if err != nil {
    return 0, err
  }
  if grant == nil {
    return 0, apierr.Permission("model not available for this role")
  }
  if in.KbID != nil {
    ok, err := ss.kbAccess.CanReadKb(ctx, *in.KbID, in.UserID, in.WorkspaceID)
    if err != nil {
      return 0, err
    }
    if !ok {
      return 0, apierr.Permission("no access to this knowledge base")
    }
  }

  session := &types.QuerySession{
    UserID:      in.UserID,
    WorkspaceID: in.WorkspaceID,
  }
  err = ss.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
    if err := ss.sessionRepo.Create(ctx, tx, session); err != nil {
      return err
    }
    msg := &types.ConversationMessage{
      SessionID: session.ID,
      UserID:    in.UserID,
      KbID:      in.KbID,
      Role:      types.RoleUser,
      Content:   in.Question,
      Status:    types.StatusPending,
      ModelID:   in.ModelID,
    }
    if opts := NormalizeOptions(in.Options); opts != nil {
      msg.Options = datatypes.JSONMap(opts)
    }
    return ss.messageRepo.Create(ctx, tx, msg)
  })
  if err != nil {
    ss.log.Error("Failed to create session", "error", err)
    return 0, err
  }

  if ss.namer != nil {
    err = ss.namer.PublishSessionName(ctx, rabbit.SessionNameRequest{
      UserID:       in.UserID,
      SessionID:    session.ID,
      FirstMessage: in.Question,
      Model:        grant,
    })
    if err != nil {
      // The session itself is usable; it just never gets a generated title.
      ss.log.Warn("Failed to publish session name request", "sessionID", session.ID, "error", err)
    }
  }

  return session.ID, nil
}

func (ss *sessionService) Get(ctx context.Context, sessionID, userID, workspaceID int64) (*types.QuerySession, error) {
  session, err := ss.sessionRepo.GetOwned(ctx, nil, sessionID, userID, workspaceID)
  if err != nil {
    if errors.Is(err, gorm.ErrRecordNotFound) {
      return nil, apierr.NotFound("session not found")
    }
    return nil, err
  }
  return session, nil
}

func (ss *sessionService) ListByCursor(ctx context.Context, userID, workspaceID int64, cursor *repos.SessionCursor, pageSize int) (*SessionPage, error) {
  if pageSize <= 0 {
    pageSize = 20
  }
  sessions, hasMore, err := ss.sessionRepo.ListByCursor(ctx, nil, userID, workspaceID, cursor, pageSize)
  if err != nil {
    return nil, err
  }
  return &SessionPage{Sessions: sessions, HasMore: hasMore}, nil
}

func (ss *sessionService) Delete(ctx context.Context, sessionID, userID, workspaceID int64) error {
  deleted, err := ss.sessionRepo.SoftDelete(ctx, nil, sessionID, userID, workspaceID)
  if err != nil {
    return err
  }
  if !deleted {
    return apierr.NotFound("session not found or not deletable")
  }
  return nil
}
