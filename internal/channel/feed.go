package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/pawnmind/internal/bus"
	"github.com/stellarlinkco/pawnmind/internal/memory"
)

const feedChannelName = "feed"

const (
	msgTypeEvent  = "event"
	msgTypeIngest = "ingest"
	msgTypeError  = "error"
)

type feedMessage struct {
	Type    string              `json:"type"`
	Event   *bus.OutboundEvent  `json:"event,omitempty"`
	Ingest  *memory.IngestEvent `json:"ingest,omitempty"`
	Content string              `json:"content,omitempty"`
}

type feedClient struct {
	conn *websocket.Conn
	id   string
}

// FeedChannel streams memory events to WebSocket clients and accepts
// ingestion messages from them. It is mounted on the gateway router rather
// than owning a listener.
type FeedChannel struct {
	BaseChannel
	clients sync.Map
	nextID  atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewFeedChannel(b *bus.MessageBus, allowFrom []string) *FeedChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedChannel{
		BaseChannel: NewBaseChannel(feedChannelName, b, allowFrom),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (f *FeedChannel) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			f.cancel()
		case <-f.ctx.Done():
		}
	}()
	return nil
}

// ServeHTTP upgrades the request and serves one client until it leaves.
func (f *FeedChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[feed] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("feed-%d", f.nextID.Add(1))
	client := &feedClient{conn: conn, id: clientID}
	f.clients.Store(clientID, client)
	log.Printf("[feed] client connected: %s", clientID)

	defer func() {
		f.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[feed] client disconnected: %s", clientID)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-f.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.reply(ctx, client, "malformed message: "+err.Error())
			continue
		}
		if msg.Type != msgTypeIngest || msg.Ingest == nil {
			continue
		}
		if !f.IsAllowed(clientID) {
			log.Printf("[feed] rejected ingest from %s", clientID)
			continue
		}
		if msg.Ingest.PawnID == "" || msg.Ingest.Content == "" {
			f.reply(ctx, client, "ingest needs pawnId and content")
			continue
		}

		if err := f.bus.PublishInbound(ctx, bus.InboundEvent{
			Source:    feedChannelName,
			SenderID:  clientID,
			Event:     *msg.Ingest,
			Timestamp: time.Now(),
		}); err != nil {
			return
		}
	}
}

func (f *FeedChannel) reply(ctx context.Context, c *feedClient, text string) {
	data, err := json.Marshal(feedMessage{Type: msgTypeError, Content: text})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.conn.Write(writeCtx, websocket.MessageText, data)
}

// Send broadcasts ev to every connected client.
func (f *FeedChannel) Send(ev bus.OutboundEvent) error {
	data, err := json.Marshal(feedMessage{Type: msgTypeEvent, Event: &ev})
	if err != nil {
		return err
	}

	f.clients.Range(func(key, value any) bool {
		c := value.(*feedClient)
		ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
		defer cancel()
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			log.Printf("[feed] write to %s failed: %v", c.id, err)
		}
		return true
	})
	return nil
}

func (f *FeedChannel) Clients() int {
	n := 0
	f.clients.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

func (f *FeedChannel) Stop() error {
	f.cancel()
	f.clients.Range(func(key, value any) bool {
		c := value.(*feedClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[feed] stopped")
	return nil
}
