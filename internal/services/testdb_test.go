package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mkld/ragchat-backend/internal/clients/ragllm"
	"github.com/mkld/ragchat-backend/internal/logger"
	"github.com/mkld/ragchat-backend/internal/repos"
	"github.com/mkld/ragchat-backend/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout = 5000")
	if err := db.AutoMigrate(&types.QuerySession{}, &types.ConversationMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedSession(t *testing.T, db *gorm.DB, userID, workspaceID int64) *types.QuerySession {
	t.Helper()
	session := &types.QuerySession{UserID: userID, WorkspaceID: workspaceID, LastActiveAt: time.Now()}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func seedMessage(t *testing.T, db *gorm.DB, sessionID, userID int64, role, content, status string) *types.ConversationMessage {
	t.Helper()
	msg := &types.ConversationMessage{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Status:    status,
		ModelID:   1,
	}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}

func loadMessage(t *testing.T, db *gorm.DB, id int64) *types.ConversationMessage {
	t.Helper()
	var msg types.ConversationMessage
	if err := db.First(&msg, "id = ?", id).Error; err != nil {
		t.Fatalf("load message %d: %v", id, err)
	}
	return &msg
}

// scriptedGateway replays a fixed frame sequence and records the request.
type scriptedGateway struct {
	frames []ragllm.Frame
	err    error
	gotReq *ragllm.StreamRequest
}

func (g *scriptedGateway) StreamChat(ctx context.Context, req ragllm.StreamRequest, onFrame func(ragllm.Frame) error) error {
	g.gotReq = &req
	for _, f := range g.frames {
		if err := onFrame(f); err != nil {
			return err
		}
	}
	return g.err
}

// recordingSink captures forwarded frames; failAfter >= 0 makes Send fail
// once that many frames have been accepted, simulating a dropped connection.
type recordingSink struct {
	payloads  []any
	failAfter int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failAfter: -1}
}

func (s *recordingSink) Send(p any) error {
	if s.failAfter >= 0 && len(s.payloads) >= s.failAfter {
		return fmt.Errorf("write: broken pipe")
	}
	s.payloads = append(s.payloads, p)
	return nil
}

type chatFixture struct {
	db          *gorm.DB
	sessionRepo repos.SessionRepo
	messageRepo repos.MessageRepo
	gateway     *scriptedGateway
	chat        ChatService
}

func newChatFixture(t *testing.T, gateway *scriptedGateway) *chatFixture {
	t.Helper()
	db := newTestDB(t)
	log := logger.NewNop()
	sessionRepo := repos.NewSessionRepo(db, log)
	messageRepo := repos.NewMessageRepo(db, log)
	messageService := NewMessageService(db, messageRepo, log)
	chat := NewChatService(db, sessionRepo, messageRepo, messageService, OpenModelAccess{}, OpenKbAccess{}, gateway, log)
	t.Cleanup(chat.Stop)
	return &chatFixture{
		db:          db,
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		gateway:     gateway,
		chat:        chat,
	}
}
