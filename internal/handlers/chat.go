package handlers

import (
  "net/http"
  "strconv"

  "github.com/gin-gonic/gin"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/requestdata"
  "github.com/mkld/ragchat-backend/internal/services"
)

type ChatHandler struct {
  chatService    services.ChatService
  sessionService services.SessionService
  log            *logger.Logger
}

func NewChatHandler(chatService services.ChatService, sessionService services.SessionService, baseLog *logger.Logger) *ChatHandler {
  return &ChatHandler{
    chatService:    chatService,
    sessionService: sessionService,
    log:            baseLog.With("handler", "ChatHandler"),
  }
}

type chatStartRequest struct {
  ModelID  int64          `json:"modelId" binding:"required"`
  KbID     *int64         `json:"kbId"`
  Question string         `json:"question" binding:"required"`
  Options  map[string]any `json:"options"`
}

type chatStreamRequest struct {
  SessionID int64          `json:"sessionId" binding:"required"`
  ModelID   int64          `json:"modelId" binding:"required"`
  KbID      *int64         `json:"kbId"`
  Question  string         `json:"question"`
  Options   map[string]any `json:"options"`
}

type messageEditRequest struct {
  SessionID  int64          `json:"sessionId" binding:"required"`
  ModelID    int64          `json:"modelId" binding:"required"`
  KbID       *int64         `json:"kbId"`
  NewContent string         `json:"newContent" binding:"required"`
  Options    map[string]any `json:"options"`
}

type messageRetryRequest struct {
  SessionID int64          `json:"sessionId" binding:"required"`
  ModelID   int64          `json:"modelId" binding:"required"`
  KbID      *int64         `json:"kbId"`
  Options   map[string]any `json:"options"`
}

func (ch *ChatHandler) StartChat(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  var req chatStartRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  sessionID, err := ch.sessionService.StartChat(c.Request.Context(), services.StartChatInput{
    UserID:      rd.UserID,
    WorkspaceID: rd.WorkspaceID,
    RoleID:      rd.RoleID,
    ModelID:     req.ModelID,
    KbID:        req.KbID,
    Question:    req.Question,
    Options:     req.Options,
  })
  if err != nil {
    RespondAPIError(c, err)
    return
  }
  RespondOK(c, gin.H{"sessionId": sessionID})
}

func (ch *ChatHandler) StreamChat(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  var req chatStreamRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  ch.runStream(c, func(sink services.StreamSink) error {
    return ch.chatService.Stream(c.Request.Context(), services.StreamInput{
      UserID:      rd.UserID,
      WorkspaceID: rd.WorkspaceID,
      RoleID:      rd.RoleID,
      SessionID:   req.SessionID,
      ModelID:     req.ModelID,
      KbID:        req.KbID,
      Question:    req.Question,
      Options:     req.Options,
    }, sink)
  })
}

func (ch *ChatHandler) EditMessage(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
  if err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }
  var req messageEditRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  ch.runStream(c, func(sink services.StreamSink) error {
    return ch.chatService.EditAndRegenerate(c.Request.Context(), messageID, services.StreamInput{
      UserID:      rd.UserID,
      WorkspaceID: rd.WorkspaceID,
      RoleID:      rd.RoleID,
      SessionID:   req.SessionID,
      ModelID:     req.ModelID,
      KbID:        req.KbID,
      Question:    req.NewContent,
      Options:     req.Options,
    }, sink)
  })
}

func (ch *ChatHandler) RetryMessage(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  userMessageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
  if err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }
  var req messageRetryRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  ch.runStream(c, func(sink services.StreamSink) error {
    return ch.chatService.RetryRegenerate(c.Request.Context(), userMessageID, services.StreamInput{
      UserID:      rd.UserID,
      WorkspaceID: rd.WorkspaceID,
      RoleID:      rd.RoleID,
      SessionID:   req.SessionID,
      ModelID:     req.ModelID,
      KbID:        req.KbID,
      Options:     req.Options,
    }, sink)
  })
}

func (ch *ChatHandler) GetMessages(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  sessionID, err := strconv.ParseInt(c.Param("sessionId"), 10, 64)
  if err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  msgs, err := ch.chatService.GetSessionMessages(c.Request.Context(), sessionID, rd.UserID, rd.WorkspaceID)
  if err != nil {
    RespondAPIError(c, err)
    return
  }
  RespondOK(c, gin.H{"messages": msgs})
}

// runStream invokes fn with a lazy SSE sink; errors raised before the first
// event are returned as plain JSON.
func (ch *ChatHandler) runStream(c *gin.Context, fn func(sink services.StreamSink) error) {
  sink, err := newSSESink(c)
  if err != nil {
    RespondError(c, http.StatusInternalServerError, apierr.CodeInternal, err)
    return
  }
  if err := fn(sink); err != nil {
    if sink.Started() {
      ch.log.Warn("Stream failed after start", "error", err)
      return
    }
    RespondAPIError(c, err)
  }
}
