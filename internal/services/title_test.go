package services

import (
	"context"
	"testing"

	"github.com/mkld/ragchat-backend/internal/clients/rabbit"
	"github.com/mkld/ragchat-backend/internal/clients/redis"
	"github.com/mkld/ragchat-backend/internal/logger"
	"github.com/mkld/ragchat-backend/internal/titleawait"
)

type fakeTitleBus struct {
	published []redis.TitleEvent
	handler   func(redis.TitleEvent)
}

func (b *fakeTitleBus) Publish(ctx context.Context, ev redis.TitleEvent) error {
	b.published = append(b.published, ev)
	if b.handler != nil {
		b.handler(ev)
	}
	return nil
}

func (b *fakeTitleBus) StartForwarder(ctx context.Context, handler func(redis.TitleEvent)) error {
	b.handler = handler
	return nil
}

func (b *fakeTitleBus) Close() error { return nil }

func TestTitleService_PersistsKeyAndDeliversLocally(t *testing.T) {
	fx := newChatFixture(t, &scriptedGateway{})
	session := seedSession(t, fx.db, 1, 1)
	registry := titleawait.NewRegistry(logger.NewNop())
	ts := NewTitleService(fx.sessionRepo, registry, nil, logger.NewNop())

	w := registry.Register(session.ID)
	ts.HandleNameResult(rabbit.SessionNameResult{SessionID: session.ID, SessionKey: "Entropy questions"})

	ev, ok := <-w.Events()
	if !ok || ev.Name != TitleEventName {
		t.Fatalf("expected title event, got ok=%v ev=%#v", ok, ev)
	}
	data := ev.Data.(map[string]any)
	if data["title"] != "Entropy questions" {
		t.Fatalf("unexpected title %#v", data)
	}

	got, err := fx.sessionRepo.GetByID(context.Background(), nil, session.ID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if got.SessionKey == nil || *got.SessionKey != "Entropy questions" {
		t.Fatalf("expected session key persisted, got %#v", got.SessionKey)
	}
}

func TestTitleService_BusFansOutToForwarder(t *testing.T) {
	fx := newChatFixture(t, &scriptedGateway{})
	session := seedSession(t, fx.db, 1, 1)
	registry := titleawait.NewRegistry(logger.NewNop())
	bus := &fakeTitleBus{}
	ts := NewTitleService(fx.sessionRepo, registry, bus, logger.NewNop())

	if err := ts.StartForwarder(context.Background()); err != nil {
		t.Fatalf("start forwarder: %v", err)
	}
	w := registry.Register(session.ID)
	ts.HandleNameResult(rabbit.SessionNameResult{SessionID: session.ID, SessionKey: "t"})

	if len(bus.published) != 1 {
		t.Fatalf("expected 1 bus publish, got %d", len(bus.published))
	}
	ev, ok := <-w.Events()
	if !ok || ev.Name != TitleEventName {
		t.Fatalf("expected delivery through the bus forwarder, got ok=%v", ok)
	}
}
