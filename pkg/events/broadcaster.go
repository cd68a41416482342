package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps the events returned in one catchup response. A client
// further behind than this gets a catchup.overflow and must do a full REST
// reload.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel.
const listenTimeout = 10 * time.Second

// Broadcaster manages WebSocket connections and channel subscriptions.
// Each pod has one Broadcaster instance; the NotifyListener feeds it
// notifications from every pod.
type Broadcaster struct {
	connections map[string]*connection
	mu          sync.RWMutex

	// Channel subscriptions: channel -> set of connection IDs
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	store *Store

	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// connection is a single WebSocket client. subscriptions is only touched by
// the goroutine that owns the connection's read loop.
type connection struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewBroadcaster creates a Broadcaster. store may be nil (catchup disabled).
func NewBroadcaster(store *Store, writeTimeout time.Duration) *Broadcaster {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Broadcaster{
		connections:  make(map[string]*connection),
		channels:     make(map[string]map[string]bool),
		store:        store,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once during startup.
func (b *Broadcaster) SetListener(l *NotifyListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listener = l
}

// HandleConnection manages one WebSocket connection's lifecycle. Blocks
// until the connection closes.
func (b *Broadcaster) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            connID,
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	b.mu.Lock()
	b.connections[connID] = c
	b.mu.Unlock()

	defer b.unregister(c)

	slog.Debug("WebSocket connected", "connection_id", connID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("WebSocket closed", "connection_id", connID, "error", err)
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.send(c, map[string]any{"type": "error", "message": "malformed message"})
			continue
		}
		b.dispatch(c, msg)
	}
}

func (b *Broadcaster) dispatch(c *connection, msg ClientMessage) {
	switch msg.Action {
	case "ping":
		b.send(c, map[string]any{"type": "pong"})
	case "subscribe":
		b.subscribe(c, msg.Channel)
	case "unsubscribe":
		b.unsubscribe(c, msg.Channel)
	case "catchup":
		b.catchup(c, msg)
	default:
		b.send(c, map[string]any{"type": "error", "message": "unknown action: " + msg.Action})
	}
}

func (b *Broadcaster) subscribe(c *connection, channel string) {
	if channel == "" {
		b.send(c, map[string]any{"type": "error", "message": "channel required"})
		return
	}

	// First subscriber on this pod triggers a PG LISTEN.
	b.channelMu.Lock()
	first := len(b.channels[channel]) == 0
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[string]bool)
	}
	b.channels[channel][c.id] = true
	b.channelMu.Unlock()
	c.subscriptions[channel] = true

	if first {
		b.listenerMu.RLock()
		l := b.listener
		b.listenerMu.RUnlock()
		if l != nil {
			ctx, cancel := context.WithTimeout(c.ctx, listenTimeout)
			err := l.Subscribe(ctx, channel)
			cancel()
			if err != nil {
				slog.Error("PG LISTEN failed for channel", "channel", channel, "error", err)
				b.send(c, map[string]any{"type": "error", "message": "subscribe failed"})
				return
			}
		}
	}

	b.send(c, map[string]any{"type": "subscribed", "channel": channel})
}

func (b *Broadcaster) unsubscribe(c *connection, channel string) {
	delete(c.subscriptions, channel)

	b.channelMu.Lock()
	if subs, ok := b.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(b.channels, channel)
			b.channelMu.Unlock()
			b.pgUnlisten(channel)
			b.send(c, map[string]any{"type": "unsubscribed", "channel": channel})
			return
		}
	}
	b.channelMu.Unlock()
	b.send(c, map[string]any{"type": "unsubscribed", "channel": channel})
}

func (b *Broadcaster) catchup(c *connection, msg ClientMessage) {
	if b.store == nil || msg.LastEventID == nil {
		b.send(c, map[string]any{"type": "error", "message": "catchup unavailable"})
		return
	}
	events, err := b.store.GetCatchupEvents(c.ctx, msg.Channel, *msg.LastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", msg.Channel, "error", err)
		b.send(c, map[string]any{"type": "error", "message": "catchup failed"})
		return
	}
	if len(events) > catchupLimit {
		b.send(c, map[string]any{"type": "catchup.overflow", "channel": msg.Channel})
		return
	}
	for _, e := range events {
		b.send(c, e.Payload)
	}
	b.send(c, map[string]any{"type": "catchup.done", "channel": msg.Channel})
}

// Broadcast delivers a raw payload to every local subscriber of a channel.
// Called by the NotifyListener receive loop.
func (b *Broadcaster) Broadcast(channel string, payload []byte) {
	b.channelMu.RLock()
	ids := make([]string, 0, len(b.channels[channel]))
	for id := range b.channels[channel] {
		ids = append(ids, id)
	}
	b.channelMu.RUnlock()

	for _, id := range ids {
		b.mu.RLock()
		c, ok := b.connections[id]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, b.writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			slog.Debug("WebSocket write failed, dropping connection",
				"connection_id", id, "error", err)
			c.cancel()
		}
	}
}

func (b *Broadcaster) send(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, b.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.cancel()
	}
}

func (b *Broadcaster) unregister(c *connection) {
	c.cancel()

	b.mu.Lock()
	delete(b.connections, c.id)
	b.mu.Unlock()

	for channel := range c.subscriptions {
		b.channelMu.Lock()
		if subs, ok := b.channels[channel]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(b.channels, channel)
				b.channelMu.Unlock()
				b.pgUnlisten(channel)
				continue
			}
		}
		b.channelMu.Unlock()
	}
}

// pgUnlisten drops the PG subscription once no local connection needs it.
func (b *Broadcaster) pgUnlisten(channel string) {
	b.listenerMu.RLock()
	l := b.listener
	b.listenerMu.RUnlock()
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
	defer cancel()
	if err := l.Unsubscribe(ctx, channel); err != nil {
		slog.Warn("PG UNLISTEN failed", "channel", channel, "error", err)
	}
}
