package handlers

import (
  "encoding/json"
  "fmt"
  "net/http"
  "strconv"
  "time"

  "github.com/gin-gonic/gin"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/repos"
  "github.com/mkld/ragchat-backend/internal/requestdata"
  "github.com/mkld/ragchat-backend/internal/services"
  "github.com/mkld/ragchat-backend/internal/titleawait"
)

const titleAwaitHeartbeat = 15 * time.Second

type SessionHandler struct {
  sessionService services.SessionService
  registry       *titleawait.Registry
  log            *logger.Logger
}

func NewSessionHandler(sessionService services.SessionService, registry *titleawait.Registry, baseLog *logger.Logger) *SessionHandler {
  return &SessionHandler{
    sessionService: sessionService,
    registry:       registry,
    log:            baseLog.With("handler", "SessionHandler"),
  }
}

// AwaitTitle holds an SSE connection open until the session's generated title
// arrives, the client disconnects, or another connection takes over the wait.
func (sh *SessionHandler) AwaitTitle(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
  if err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  if _, err := sh.sessionService.Get(c.Request.Context(), sessionID, rd.UserID, rd.WorkspaceID); err != nil {
    RespondAPIError(c, err)
    return
  }

  flusher, ok := c.Writer.(http.Flusher)
  if !ok {
    RespondError(c, http.StatusInternalServerError, apierr.CodeInternal, fmt.Errorf("streaming unsupported"))
    return
  }
  setSSEHeaders(c.Writer)

  // Strict one-shot rendezvous: a title that was generated while nobody was
  // waiting is not replayed here, the connection just waits.
  waiter := sh.registry.Register(sessionID)
  defer sh.registry.Remove(sessionID, waiter)

  flusher.Flush()

  ticker := time.NewTicker(titleAwaitHeartbeat)
  defer ticker.Stop()

  ctx := c.Request.Context()
  for {
    select {
    case <-ctx.Done():
      return
    case ev, open := <-waiter.Events():
      if !open {
        // Replaced by a newer connection or shut down.
        return
      }
      sh.writeEvent(c, flusher, ev.Name, ev.Data)
      return
    case <-ticker.C:
      if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
        return
      }
      flusher.Flush()
    }
  }
}

func (sh *SessionHandler) writeEvent(c *gin.Context, flusher http.Flusher, name string, data any) {
  payload, err := json.Marshal(data)
  if err != nil {
    sh.log.Error("Failed to encode event payload", "event", name, "error", err)
    return
  }
  fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, payload)
  flusher.Flush()
}

func (sh *SessionHandler) ListSessions(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }

  pageSize := 20
  if raw := c.Query("pageSize"); raw != "" {
    parsed, err := strconv.Atoi(raw)
    if err != nil || parsed <= 0 || parsed > 100 {
      RespondError(c, http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("invalid pageSize"))
      return
    }
    pageSize = parsed
  }

  var cursor *repos.SessionCursor
  rawAt, rawID := c.Query("cursorLastActiveAt"), c.Query("cursorLastId")
  if rawAt != "" || rawID != "" {
    at, err := time.Parse(time.RFC3339Nano, rawAt)
    if err != nil {
      RespondError(c, http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("invalid cursorLastActiveAt"))
      return
    }
    id, err := strconv.ParseInt(rawID, 10, 64)
    if err != nil {
      RespondError(c, http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("invalid cursorLastId"))
      return
    }
    cursor = &repos.SessionCursor{LastActiveAt: at, LastID: id}
  }

  page, err := sh.sessionService.ListByCursor(c.Request.Context(), rd.UserID, rd.WorkspaceID, cursor, pageSize)
  if err != nil {
    RespondAPIError(c, err)
    return
  }
  RespondOK(c, page)
}

func (sh *SessionHandler) DeleteSession(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, apierr.CodePermission, apierr.Permission("missing identity"))
    return
  }
  sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
  if err != nil {
    RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
    return
  }

  if err := sh.sessionService.Delete(c.Request.Context(), sessionID, rd.UserID, rd.WorkspaceID); err != nil {
    RespondAPIError(c, err)
    return
  }
  RespondOK(c, gin.H{"deleted": true})
}
