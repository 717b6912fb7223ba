package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/pawnmind/internal/bus"
	"github.com/stellarlinkco/pawnmind/internal/memory"
)

func startFeed(t *testing.T, allowFrom []string) (*FeedChannel, *bus.MessageBus, string) {
	t.Helper()
	b := bus.NewMessageBus(10)
	ch := NewFeedChannel(b, allowFrom)
	srv := httptest.NewServer(ch)
	t.Cleanup(func() {
		ch.Stop()
		srv.Close()
	})
	return ch, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForClients(t *testing.T, ch *FeedChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for ch.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", ch.Clients(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFeedChannel_Name(t *testing.T) {
	ch := NewFeedChannel(bus.NewMessageBus(1), nil)
	if ch.Name() != "feed" {
		t.Errorf("Name() = %q, want %q", ch.Name(), "feed")
	}
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	open := NewBaseChannel("test", bus.NewMessageBus(1), nil)
	if !open.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}
	closed := NewBaseChannel("test", bus.NewMessageBus(1), []string{"feed-1"})
	if !closed.IsAllowed("feed-1") || closed.IsAllowed("feed-2") {
		t.Error("allow list not honored")
	}
}

func TestFeedChannel_IngestReachesBus(t *testing.T) {
	_, b, url := startFeed(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.CloseNow()

	msg := `{"type":"ingest","ingest":{"pawnId":"p1","pawnName":"Alice","content":"planted rice","type":"Action","importance":0.6}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("ws write: %v", err)
	}

	select {
	case in := <-b.Inbound:
		if in.Source != "feed" || !strings.HasPrefix(in.SenderID, "feed-") {
			t.Errorf("source = %q sender = %q", in.Source, in.SenderID)
		}
		if in.Event.PawnID != "p1" || in.Event.Type != memory.Action || in.Event.Content != "planted rice" {
			t.Errorf("event = %+v", in.Event)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for inbound event")
	}
}

func TestFeedChannel_RejectsIncompleteIngest(t *testing.T) {
	_, b, url := startFeed(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ingest","ingest":{"content":"x"}}`)); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var resp feedMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Type != "error" {
		t.Fatalf("resp = %+v, want error", resp)
	}
	if len(b.Inbound) != 0 {
		t.Fatal("incomplete ingest should not reach the bus")
	}
}

func TestFeedChannel_Broadcast(t *testing.T) {
	ch, _, url := startFeed(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			t.Fatalf("ws dial: %v", err)
		}
		defer conn.CloseNow()
		conns = append(conns, conn)
	}
	waitForClients(t, ch, 2)

	ev := bus.OutboundEvent{
		MemoryEvent: memory.MemoryEvent{
			Kind:  memory.EventAdded,
			Pawn:  memory.Owner{ID: "p1", Name: "Alice"},
			Entry: memory.Entry{ID: "m1", Content: "ate", Type: memory.Action},
		},
		Tick: 42,
	}
	if err := ch.Send(ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i, conn := range conns {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
		var msg struct {
			Type  string `json:"type"`
			Event struct {
				Kind  string `json:"kind"`
				Tick  int64  `json:"tick"`
				Entry struct {
					Content string `json:"content"`
				} `json:"entry"`
			} `json:"event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %d unmarshal: %v", i+1, err)
		}
		if msg.Type != "event" || msg.Event.Kind != "added" || msg.Event.Tick != 42 || msg.Event.Entry.Content != "ate" {
			t.Errorf("client %d got %s", i+1, data)
		}
	}
}

type recordingChannel struct {
	name string
	sent chan bus.OutboundEvent
}

func (r *recordingChannel) Name() string                    { return r.name }
func (r *recordingChannel) Start(ctx context.Context) error { return nil }
func (r *recordingChannel) Stop() error                     { return nil }
func (r *recordingChannel) Send(ev bus.OutboundEvent) error {
	r.sent <- ev
	return nil
}

func TestChannelManager_RegisterAndDispatch(t *testing.T) {
	b := bus.NewMessageBus(4)
	m := NewChannelManager(b)
	rec := &recordingChannel{name: "rec", sent: make(chan bus.OutboundEvent, 1)}
	if err := m.Register(rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(rec); err == nil {
		t.Fatal("duplicate register should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(bus.OutboundEvent{Tick: 3})
	select {
	case ev := <-rec.sent:
		if ev.Tick != 3 {
			t.Fatalf("tick = %d", ev.Tick)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered to registered channel")
	}

	if names := m.EnabledChannels(); len(names) != 1 || names[0] != "rec" {
		t.Fatalf("channels = %v", names)
	}
	m.StopAll()
}

type stubChannel struct {
	name     string
	startErr error
	stopped  bool
}

func (s *stubChannel) Name() string                    { return s.name }
func (s *stubChannel) Start(ctx context.Context) error { return s.startErr }
func (s *stubChannel) Send(ev bus.OutboundEvent) error { return nil }
func (s *stubChannel) Stop() error {
	s.stopped = true
	return nil
}

func TestChannelManager_StartFailureStopsStarted(t *testing.T) {
	m := NewChannelManager(bus.NewMessageBus(1))
	first := &stubChannel{name: "a"}
	broken := &stubChannel{name: "b", startErr: errors.New("port taken")}
	for _, ch := range []*stubChannel{broken, first} {
		if err := m.Register(ch); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	err := m.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "port taken") {
		t.Fatalf("StartAll error = %v", err)
	}
	if !first.stopped {
		t.Error("channel started before the failure was not stopped")
	}
	if broken.stopped {
		t.Error("channel that failed to start was stopped")
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll after rollback = %v", err)
	}
}
