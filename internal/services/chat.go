package services

import (
  "context"
  "errors"
  "sync"

  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/clients/ragllm"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/repos"
  "github.com/mkld/ragchat-backend/internal/types"
)

// errClientGone marks a failed write to the client connection; the stream is
// then treated exactly like a client cancellation.
var errClientGone = errors.New("client connection closed")

type StreamInput struct {
  UserID      int64
  WorkspaceID int64
  RoleID      int
  SessionID   int64
  ModelID     int64
  KbID        *int64
  Question    string
  Options     map[string]any
}

// ChatService drives one conversation turn end to end: arbitrate whether a
// generation may start, proxy the gateway's frame stream to the client, and
// finalize the turn's durable state exactly once per stream.
type ChatService interface {
  // Stream runs a turn against the session's current tail. An error return
  // means nothing was written to sink; once streaming starts, failures are
  // surfaced in-stream and Stream returns nil.
  Stream(ctx context.Context, in StreamInput, sink StreamSink) error
  EditAndRegenerate(ctx context.Context, messageID int64, in StreamInput, sink StreamSink) error
  RetryRegenerate(ctx context.Context, userMessageID int64, in StreamInput, sink StreamSink) error
  GetSessionMessages(ctx context.Context, sessionID, userID, workspaceID int64) ([]*types.ConversationMessage, error)
  Stop()
}

type chatService struct {
  db             *gorm.DB
  sessionRepo    repos.SessionRepo
  messageRepo    repos.MessageRepo
  messageService MessageService
  modelAccess    ModelAccess
  kbAccess       KbAccess
  gateway        ragllm.Client
  dispatch       *dispatcher
  log            *logger.Logger
}

func NewChatService(
  db *gorm.DB,
  sessionRepo repos.SessionRepo,
  messageRepo repos.MessageRepo,
  messageService MessageService,
  modelAccess ModelAccess,
  kbAccess KbAccess,
  gateway ragllm.Client,
  baseLog *logger.Logger,
) ChatService {
  return &chatService{
    db:             db,
    sessionRepo:    sessionRepo,
    messageRepo:    messageRepo,
    messageService: messageService,
    modelAccess:    modelAccess,
    kbAccess:       kbAccess,
    gateway:        gateway,
    dispatch:       newDispatcher(64),
    log:            baseLog.With("service", "ChatService"),
  }
}

func (cs *chatService) Stop() {
  cs.dispatch.Stop()
}

func (cs *chatService) validatePermissions(ctx context.Context, in StreamInput) (*ModelGrant, error) {
  grant, err := cs.modelAccess.CanUseModel(ctx, in.RoleID, in.ModelID)
  if err != nil {
    return nil, err
  }
  if grant == nil {
    return nil, apierr.Permission("model not available for this role")
  }
  if in.KbID != nil {
    ok, err := cs.kbAccess.CanReadKb(ctx, *in.KbID, in.UserID, in.WorkspaceID)
    if err != nil {
      return nil, err
    }
    if !ok {
      return nil, apierr.Permission("no access to this knowledge base")
    }
  }
  return grant, nil
}

func (cs *chatService) Stream(ctx context.Context, in StreamInput, sink StreamSink) error {
  grant, err := cs.validatePermissions(ctx, in)
  if err != nil {
    return err
  }
  return cs.run(ctx, in, grant, sink)
}

func (cs *chatService) EditAndRegenerate(ctx context.Context, messageID int64, in StreamInput, sink StreamSink) error {
  grant, err := cs.validatePermissions(ctx, in)
  if err != nil {
    return err
  }
  // in.Question carries the edited content; the paired assistant reply is
  // removed and the user message reset to pending before regenerating.
  if _, err := cs.messageService.EditLastUserMessage(ctx, in.SessionID, messageID, in.UserID, in.Question, in.Options); err != nil {
    return err
  }
  return cs.run(ctx, in, grant, sink)
}

func (cs *chatService) RetryRegenerate(ctx context.Context, userMessageID int64, in StreamInput, sink StreamSink) error {
  grant, err := cs.validatePermissions(ctx, in)
  if err != nil {
    return err
  }
  if _, err := cs.messageService.RetryLastAssistantMessage(ctx, in.SessionID, userMessageID, in.UserID, in.Options); err != nil {
    return err
  }
  in.Question = ""
  return cs.run(ctx, in, grant, sink)
}

func (cs *chatService) GetSessionMessages(ctx context.Context, sessionID, userID, workspaceID int64) ([]*types.ConversationMessage, error) {
  if _, err := cs.sessionRepo.GetOwned(ctx, nil, sessionID, userID, workspaceID); err != nil {
    if errors.Is(err, gorm.ErrRecordNotFound) {
      return nil, apierr.NotFound("session not found")
    }
    return nil, err
  }
  return cs.messageRepo.ListBySession(ctx, nil, sessionID, userID)
}

// run loads the session tail, advances the turn state machine and executes
// the generation stream.
func (cs *chatService) run(ctx context.Context, in StreamInput, grant *ModelGrant, sink StreamSink) error {
  msgs, err := cs.messageRepo.ListBySession(ctx, nil, in.SessionID, in.UserID)
  if err != nil {
    return err
  }
  if len(msgs) == 0 {
    return apierr.NotFound("session not found or no access")
  }

  userMsg, err := cs.beginTurn(ctx, &in, &msgs)
  if err != nil {
    return err
  }
  return cs.executeStream(ctx, in, grant, msgs, userMsg, sink)
}

// beginTurn inspects the last message of the session and decides how this
// request maps onto a turn: reuse a pending user message, reject a turn that
// is already generating, or append a fresh pending user message after an
// assistant reply. msgs is extended in place when a message is appended.
func (cs *chatService) beginTurn(ctx context.Context, in *StreamInput, msgs *[]*types.ConversationMessage) (*types.ConversationMessage, error) {
  last := (*msgs)[len(*msgs)-1]

  switch {
  case last.Role == types.RoleUser && last.Status == types.StatusGenerating:
    return nil, apierr.Conflict("generation already in progress")

  case last.Role == types.RoleUser && last.Status == types.StatusPending:
    // Awaiting generation: the stored content wins over whatever the
    // request carried.
    in.Question = last.Content
    return last, nil

  case last.Role == types.RoleAssistant:
    if in.Question == "" {
      return nil, apierr.Validation("question must not be empty")
    }
    msg := &types.ConversationMessage{
      SessionID: in.SessionID,
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
    if err := cs.messageRepo.Create(ctx, nil, msg); err != nil {
      return nil, err
    }
    *msgs = append(*msgs, msg)
    return msg, nil

  default:
    cs.log.Error("Session tail in impossible state", "sessionID", in.SessionID, "role", last.Role, "status", last.Status)
    return nil, apierr.New(500, apierr.CodeInternal, errors.New("session is in an inconsistent state"))
  }
}

func (cs *chatService) executeStream(ctx context.Context, in StreamInput, grant *ModelGrant, history []*types.ConversationMessage, userMsg *types.ConversationMessage, sink StreamSink) error {
  // Conditional write: only a pending turn may start generating. A lost race
  // with a concurrent request surfaces as a conflict before any frame flows.
  ok, err := cs.messageRepo.UpdateStatusIf(ctx, nil, userMsg.ID, types.StatusPending, types.StatusGenerating)
  if err != nil {
    return err
  }
  if !ok {
    return apierr.Conflict("generation already in progress")
  }
  sessionID := in.SessionID
  cs.dispatch.Do(func() {
    if err := cs.sessionRepo.TouchLastActive(context.Background(), nil, sessionID); err != nil {
      cs.log.Warn("Failed to touch session activity", "sessionID", sessionID, "error", err)
    }
  })

  options, err := cs.buildOptions(ctx, in)
  if err != nil {
    cs.revertToPending(sessionID, userMsg.ID)
    return err
  }

  acc := newStreamAccumulator(cs.log)
  streamErr := cs.gateway.StreamChat(ctx, ragllm.StreamRequest{
    History: history,
    Model:   grant,
    Options: options,
  }, func(frame ragllm.Frame) error {
    out, err := acc.apply(frame)
    if err != nil {
      return err
    }
    for _, f := range out {
      if err := sink.Send(f); err != nil {
        return errClientGone
      }
    }
    return nil
  })

  if streamErr != nil {
    cs.revertToPending(sessionID, userMsg.ID)
    if errors.Is(streamErr, errClientGone) || errors.Is(streamErr, context.Canceled) || ctx.Err() != nil {
      cs.log.Debug("Stream canceled by client", "sessionID", sessionID, "userMessageID", userMsg.ID)
      return nil
    }
    ae := apierr.From(streamErr)
    cs.log.Warn("Generation stream failed", "sessionID", sessionID, "userMessageID", userMsg.ID, "code", ae.Code, "error", streamErr)
    _ = sink.Send(ErrorFrame{Type: "error", Code: ae.Code, Message: ae.Error()})
    return nil
  }

  assistantID, err := cs.finalizeSuccess(in, userMsg, acc)
  if err != nil {
    cs.log.Error("Turn finalization failed", "sessionID", sessionID, "userMessageID", userMsg.ID, "error", err)
    cs.revertToPending(sessionID, userMsg.ID)
    ae := apierr.From(err)
    _ = sink.Send(ErrorFrame{Type: "error", Code: ae.Code, Message: "failed to persist the reply"})
    return nil
  }

  _ = sink.Send(DoneFrame{Type: "done", UserMessageID: userMsg.ID, AssistantMessageID: assistantID})
  return nil
}

func (cs *chatService) buildOptions(ctx context.Context, in StreamInput) (map[string]any, error) {
  options := NormalizeOptions(in.Options)
  if options == nil {
    options = map[string]any{}
  }
  if in.KbID != nil {
    info, err := cs.kbAccess.GetKbInfo(ctx, *in.KbID)
    if err != nil {
      return nil, err
    }
    if info != nil {
      options["userId"] = info.OwnerUserID
      options["kbId"] = *in.KbID
      options["systemPrompt"] = info.SystemPrompt
    }
  }
  return options, nil
}

// finalizeSuccess is the one synchronous finalizer write: complete the user
// message and create its paired assistant message, fully formed, in a single
// transaction. The done frame must not be emitted before this commits.
func (cs *chatService) finalizeSuccess(in StreamInput, userMsg *types.ConversationMessage, acc *streamAccumulator) (int64, error) {
  ctx := context.Background()
  usage := acc.Usage()

  assistant := &types.ConversationMessage{
    SessionID:        in.SessionID,
    UserID:           in.UserID,
    KbID:             in.KbID,
    Role:             types.RoleAssistant,
    Content:          acc.Content(),
    Status:           types.StatusCompleted,
    ModelID:          in.ModelID,
    PromptTokens:     usage.PromptTokens,
    CompletionTokens: usage.CompletionTokens,
    TotalTokens:      usage.TotalTokens,
    LatencyMs:        usage.LatencyMs,
  }
  if trace := acc.Trace(); trace != nil {
    assistant.RagContext = datatypes.JSON(trace)
  }

  err := cs.db.Transaction(func(tx *gorm.DB) error {
    if err := cs.messageRepo.UpdateStatus(ctx, tx, userMsg.ID, types.StatusCompleted); err != nil {
      return err
    }
    if err := cs.messageRepo.Create(ctx, tx, assistant); err != nil {
      return err
    }
    return cs.sessionRepo.TouchLastActive(ctx, tx, in.SessionID)
  })
  if err != nil {
    return 0, err
  }
  return assistant.ID, nil
}

// revertToPending is the error/cancel finalizer write, dispatched off the
// stream path: the turn goes back to pending and stays retryable. Only a
// generating row is reverted, so a completed turn can never regress.
func (cs *chatService) revertToPending(sessionID, messageID int64) {
  cs.dispatch.Do(func() {
    ctx := context.Background()
    if _, err := cs.messageRepo.UpdateStatusIf(ctx, nil, messageID, types.StatusGenerating, types.StatusPending); err != nil {
      cs.log.Error("Failed to revert turn to pending", "messageID", messageID, "error", err)
    }
    if err := cs.sessionRepo.TouchLastActive(ctx, nil, sessionID); err != nil {
      cs.log.Warn("Failed to touch session activity", "sessionID", sessionID, "error", err)
    }
  })
}

// dispatcher runs status writes off the stream's critical path. Tasks are
// executed in submission order by a single worker; when the queue is full the
// task runs on its own goroutine rather than stalling token delivery.
type dispatcher struct {
  tasks    chan func()
  done     chan struct{}
  stopOnce sync.Once
}

func newDispatcher(size int) *dispatcher {
  d := &dispatcher{
    tasks: make(chan func(), size),
    done:  make(chan struct{}),
  }
  go func() {
    defer close(d.done)
    for fn := range d.tasks {
      fn()
    }
  }()
  return d
}

func (d *dispatcher) Do(fn func()) {
  select {
  case d.tasks <- fn:
  default:
    go fn()
  }
}

func (d *dispatcher) Stop() {
  d.stopOnce.Do(func() {
    close(d.tasks)
  })
  <-d.done
}
