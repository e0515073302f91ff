// Package realtime implements spec.md §4.6: the WebSocket fan-out
// Hub — connection registry, per-connection wallet binding
// (bind-once, never re-homed), room subscriptions, broadcast fan-out,
// and the derived unique-bound-wallet count.
//
// Grounded on the teacher's internal/api/websocket.go Hub
// (sync.Mutex-guarded connection map, 5s write-deadline broadcast
// loop), generalized from "broadcast to everyone" to "broadcast to a
// room's subscribers," and on the pack's ws-hub.go per-client Send
// channel plus non-blocking-send-with-timeout idiom for per-connection
// write queues.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 // §6 "Maximum inbound frame size 64 KiB"
	sendQueueSize  = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the wire shape of every WebSocket message (§6 "Text frames
// of application/json objects {event: string, payload: object}").
type Frame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Client is one live connection. wallet is empty until the first
// frame that carries one arrives; once set it is immutable for the
// life of the connection (§4.6 "a connection cannot re-home").
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	wallet     string
	subscribed map[string]bool
}

func (c *Client) Wallet() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet
}

// bindWallet implements the bind-once rule. Returns false if wallet
// is non-empty and differs from an already-bound wallet.
func (c *Client) bindWallet(wallet string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wallet == "" {
		c.wallet = wallet
		return true
	}
	return c.wallet == wallet
}

func (c *Client) subscribe(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[roomID] = true
}

func (c *Client) unsubscribe(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, roomID)
}

func (c *Client) isSubscribed(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[roomID]
}

// enqueue performs a non-blocking send with a short timeout, grounded
// on ws-hub.go's `select { case waiting.Send <- ...: default: }` dead
// client probe, generalized to a bounded wait instead of an instant
// default so a momentarily-busy (not dead) client isn't dropped.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-time.After(time.Second):
		return false
	}
}

// Dispatcher handles inbound client frames. cmd/engine wires an
// implementation that forwards into room.Manager / queue.Manager —
// this package never imports them directly, keeping the dependency
// direction the same as the teacher's Hub (transport-only).
type Dispatcher interface {
	Dispatch(c *Client, frame Frame) error
}

// Hub is the registry of live connections and room subscriptions.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]bool
	roomSubs    map[string]map[*Client]bool
	walletConns map[string]int

	dispatcher  Dispatcher
	snapshotter RoomActions
}

// NewHub builds a Hub. dispatcher may be set after construction via
// SetDispatcher if the room/queue managers aren't ready yet at Hub
// construction time (cmd/engine's dependency order).
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		roomSubs:    make(map[string]map[*Client]bool),
		walletConns: make(map[string]int),
	}
}

func (h *Hub) SetDispatcher(d Dispatcher)   { h.dispatcher = d }
func (h *Hub) SetSnapshotter(s RoomActions) { h.snapshotter = s }

// ServeWS upgrades an HTTP request to a WebSocket connection and spawns
// its read/write pumps. Grounded on the teacher's Subscribe handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}
	c := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		subscribed: make(map[string]bool),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.broadcastConnectionCount()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	for roomID, subs := range h.roomSubs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.roomSubs, roomID)
		}
	}
	wallet := c.Wallet()
	wasLastConn := false
	if wallet != "" {
		h.walletConns[wallet]--
		if h.walletConns[wallet] <= 0 {
			delete(h.walletConns, wallet)
			wasLastConn = true
		}
	}
	h.mu.Unlock()
	if wallet != "" && wasLastConn {
		h.broadcastConnectionCount()
	} else if wallet == "" {
		h.broadcastConnectionCount()
	}
}

// BindWallet enforces bind-once and updates the unique-wallet count.
func (h *Hub) BindWallet(c *Client, wallet string) error {
	if wallet == "" {
		return nil
	}
	if !c.bindWallet(wallet) {
		return errRebind
	}
	h.mu.Lock()
	h.walletConns[wallet]++
	h.mu.Unlock()
	h.broadcastConnectionCount()
	return nil
}

var errRebind = &rebindError{}

type rebindError struct{}

func (e *rebindError) Error() string { return "realtime: connection already bound to a different wallet" }

// Subscribe adds c to roomID's subscriber set.
func (h *Hub) Subscribe(roomID string, c *Client) {
	h.mu.Lock()
	if h.roomSubs[roomID] == nil {
		h.roomSubs[roomID] = make(map[*Client]bool)
	}
	h.roomSubs[roomID][c] = true
	h.mu.Unlock()
	c.subscribe(roomID)
}

// Unsubscribe removes c from roomID's subscriber set.
func (h *Hub) Unsubscribe(roomID string, c *Client) {
	h.mu.Lock()
	if subs, ok := h.roomSubs[roomID]; ok {
		delete(subs, c)
	}
	h.mu.Unlock()
	c.unsubscribe(roomID)
}

// Publish implements room.EventSink — Room actors call this to
// broadcast an event to everyone subscribed to roomID. Each
// subscriber gets enqueue's bounded wait: a connection whose send
// queue stays full for one second has the frame dropped, so a slow or
// dead connection delays Publish by at most that long (§5 "Room actors
// MUST NOT call back synchronously into the Hub while holding their
// own mutation lock beyond enqueuing an event").
func (h *Hub) Publish(roomID string, event string, payload interface{}) {
	data, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		log.Printf("[Hub] marshal frame for room=%s event=%s: %v", roomID, event, err)
		return
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.roomSubs[roomID]))
	for c := range h.roomSubs[roomID] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.enqueue(data) {
			log.Printf("[Hub] dropped %s for a slow/dead subscriber of room=%s", event, roomID)
		}
	}
}

// UniqueWalletCount returns the number of distinct bound wallets
// across all live connections (§4.6 "Unique-user count").
func (h *Hub) UniqueWalletCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.walletConns)
}

func (h *Hub) broadcastConnectionCount() {
	count := h.UniqueWalletCount()
	data, _ := json.Marshal(Frame{Event: "connection:count", Payload: map[string]int{"count": count}})

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

// StartBroadcastTick runs the periodic (default 1 Hz) full-snapshot
// push described in §4.6 as the "simple approach" fan-out.
func (h *Hub) StartBroadcastTick(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			h.tickOnce()
		}
	}()
}

func (h *Hub) tickOnce() {
	if h.snapshotter == nil {
		return
	}
	h.mu.RLock()
	roomIDs := make([]string, 0, len(h.roomSubs))
	for id := range h.roomSubs {
		roomIDs = append(roomIDs, id)
	}
	h.mu.RUnlock()

	for _, roomID := range roomIDs {
		snap, ok := h.snapshotter.Lookup(roomID)
		if !ok {
			continue
		}
		h.Publish(roomID, "room:update", snap)
	}
}
