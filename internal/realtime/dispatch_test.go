package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rawblock/roulette-engine/pkg/models"
)

type fakeRoomActions struct {
	rooms     map[string]*models.Room
	joins     []string
	leaves    []string
	seeds     map[string]string
	pulls     []int
	pullErr   error
}

func newFakeRoomActions() *fakeRoomActions {
	return &fakeRoomActions{rooms: make(map[string]*models.Room), seeds: make(map[string]string)}
}

func (f *fakeRoomActions) Lookup(roomID string) (*models.Room, bool) {
	r, ok := f.rooms[roomID]
	return r, ok
}

func (f *fakeRoomActions) JoinSeat(ctx context.Context, roomID, wallet string) (*models.Seat, error) {
	f.joins = append(f.joins, wallet)
	return &models.Seat{Index: 0, WalletAddress: wallet}, nil
}

func (f *fakeRoomActions) LeaveSeat(ctx context.Context, roomID, wallet string) error {
	f.leaves = append(f.leaves, wallet)
	return nil
}

func (f *fakeRoomActions) SubmitClientSeed(roomID string, seatIndex int, clientSeed string) error {
	f.seeds[roomID] = clientSeed
	return nil
}

func (f *fakeRoomActions) PullTrigger(ctx context.Context, roomID string, seatIndex int) error {
	f.pulls = append(f.pulls, seatIndex)
	return f.pullErr
}

type fakeQueueActions struct {
	joined []string
	left   []string
}

func (f *fakeQueueActions) JoinQueue(ctx context.Context, wallet string, mode models.Mode, seatPrice int64, minPlayers, maxPlayers int, fundingTimeout time.Duration) error {
	f.joined = append(f.joined, wallet)
	return nil
}

func (f *fakeQueueActions) LeaveQueue(wallet string) {
	f.left = append(f.left, wallet)
}

func newTestClient(h *Hub) *Client {
	c := &Client{hub: h, send: make(chan []byte, 8), subscribed: make(map[string]bool)}
	h.register(c)
	return c
}

func rules(mode models.Mode, seatPrice int64) (int, int, time.Duration) {
	return 6, 6, time.Minute
}

// nextFrame returns the next queued frame for c, skipping the
// connection:count frames the Hub sends to every client on register
// and on wallet binding. ok is false when nothing else is queued.
func nextFrame(t *testing.T, c *Client) (f Frame, ok bool) {
	t.Helper()
	for {
		select {
		case data := <-c.send:
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if f.Event != "connection:count" {
				return f, true
			}
		default:
			return Frame{}, false
		}
	}
}

func TestDispatchJoinRoomBindsWalletAndSeats(t *testing.T) {
	rooms := newFakeRoomActions()
	hub := NewHub()
	d := NewRoomDispatcher(rooms, &fakeQueueActions{}, rules)
	hub.SetDispatcher(d)
	c := newTestClient(hub)

	err := d.Dispatch(c, Frame{Event: "join_room", Payload: map[string]interface{}{"roomId": "r1", "walletAddress": "w1"}})
	if err != nil {
		t.Fatalf("Dispatch join_room: %v", err)
	}
	if c.Wallet() != "w1" {
		t.Fatalf("expected wallet bound to w1, got %q", c.Wallet())
	}
	if len(rooms.joins) != 1 || rooms.joins[0] != "w1" {
		t.Fatalf("expected JoinSeat called with w1, got %v", rooms.joins)
	}
	if !c.isSubscribed("r1") {
		t.Fatalf("expected connection subscribed to r1")
	}
}

func TestDispatchRejectsWalletRebind(t *testing.T) {
	rooms := newFakeRoomActions()
	hub := NewHub()
	d := NewRoomDispatcher(rooms, &fakeQueueActions{}, rules)
	c := newTestClient(hub)

	if err := d.Dispatch(c, Frame{Event: "join_room", Payload: map[string]interface{}{"roomId": "r1", "walletAddress": "w1"}}); err != nil {
		t.Fatalf("first join_room: %v", err)
	}
	err := d.Dispatch(c, Frame{Event: "join_room", Payload: map[string]interface{}{"roomId": "r1", "walletAddress": "w2"}})
	if err == nil {
		t.Fatalf("expected rebind to a different wallet to be rejected")
	}
	if c.Wallet() != "w1" {
		t.Fatalf("expected wallet to remain w1 after rejected rebind, got %q", c.Wallet())
	}
}

func TestDispatchPullTriggerUsesBoundWalletNotPayload(t *testing.T) {
	rooms := newFakeRoomActions()
	rooms.rooms["r1"] = &models.Room{ID: "r1", Seats: []*models.Seat{
		{Index: 0, WalletAddress: "w1"},
		{Index: 1, WalletAddress: "w2"},
	}}
	hub := NewHub()
	d := NewRoomDispatcher(rooms, &fakeQueueActions{}, rules)
	c := newTestClient(hub)
	c.bindWallet("w2")

	if err := d.Dispatch(c, Frame{Event: "pull_trigger", Payload: map[string]interface{}{"roomId": "r1"}}); err != nil {
		t.Fatalf("Dispatch pull_trigger: %v", err)
	}
	if len(rooms.pulls) != 1 || rooms.pulls[0] != 1 {
		t.Fatalf("expected PullTrigger resolved to seat 1 (w2's seat), got %v", rooms.pulls)
	}
}

func TestDispatchSubmitClientSeedRejectsForeignSeat(t *testing.T) {
	rooms := newFakeRoomActions()
	rooms.rooms["r1"] = &models.Room{ID: "r1", Seats: []*models.Seat{
		{Index: 0, WalletAddress: "w1"},
		{Index: 1, WalletAddress: "w2"},
	}}
	hub := NewHub()
	d := NewRoomDispatcher(rooms, &fakeQueueActions{}, rules)
	c := newTestClient(hub)
	c.bindWallet("w1")

	err := d.Dispatch(c, Frame{Event: "submit_client_seed", Payload: map[string]interface{}{
		"roomId": "r1", "seatIndex": 1, "clientSeed": "malicious",
	}})
	if err == nil {
		t.Fatalf("expected submit_client_seed for another wallet's seat to be rejected")
	}
	if _, ok := rooms.seeds["r1"]; ok {
		t.Fatalf("expected no client seed recorded, got %v", rooms.seeds)
	}
}

func TestDispatchSubmitClientSeedAcceptsOwnSeat(t *testing.T) {
	rooms := newFakeRoomActions()
	rooms.rooms["r1"] = &models.Room{ID: "r1", Seats: []*models.Seat{
		{Index: 0, WalletAddress: "w1"},
		{Index: 1, WalletAddress: "w2"},
	}}
	hub := NewHub()
	d := NewRoomDispatcher(rooms, &fakeQueueActions{}, rules)
	c := newTestClient(hub)
	c.bindWallet("w2")

	err := d.Dispatch(c, Frame{Event: "submit_client_seed", Payload: map[string]interface{}{
		"roomId": "r1", "seatIndex": 1, "clientSeed": "abc123",
	}})
	if err != nil {
		t.Fatalf("Dispatch submit_client_seed: %v", err)
	}
	if rooms.seeds["r1"] != "abc123" {
		t.Fatalf("expected client seed abc123 recorded, got %q", rooms.seeds["r1"])
	}
}

func TestDispatchJoinQueueRoutesWalletAndSeatPrice(t *testing.T) {
	rooms := newFakeRoomActions()
	q := &fakeQueueActions{}
	hub := NewHub()
	d := NewRoomDispatcher(rooms, q, rules)
	c := newTestClient(hub)

	err := d.Dispatch(c, Frame{Event: "join_queue", Payload: map[string]interface{}{
		"mode": "regular", "seatPrice": 1000, "walletAddress": "w3",
	}})
	if err != nil {
		t.Fatalf("Dispatch join_queue: %v", err)
	}
	if len(q.joined) != 1 || q.joined[0] != "w3" {
		t.Fatalf("expected JoinQueue called with w3, got %v", q.joined)
	}

	f, ok := nextFrame(t, c)
	if !ok {
		t.Fatalf("expected a queue:joined frame to be enqueued")
	}
	if f.Event != "queue:joined" {
		t.Fatalf("expected queue:joined frame, got %q", f.Event)
	}
	payload, _ := f.Payload.(map[string]interface{})
	if payload["seatPrice"] != float64(1000) {
		t.Fatalf("expected queue:joined to carry seatPrice 1000, got %v", f.Payload)
	}
}

func TestHubBindWalletTracksUniqueCount(t *testing.T) {
	hub := NewHub()
	c1 := newTestClient(hub)
	c2 := newTestClient(hub)

	if err := hub.BindWallet(c1, "w1"); err != nil {
		t.Fatalf("BindWallet c1: %v", err)
	}
	if err := hub.BindWallet(c2, "w1"); err != nil {
		t.Fatalf("BindWallet c2 (same wallet, second tab): %v", err)
	}
	if got := hub.UniqueWalletCount(); got != 1 {
		t.Fatalf("expected unique count 1 for one wallet across two connections, got %d", got)
	}

	hub.unregister(c2)
	if got := hub.UniqueWalletCount(); got != 1 {
		t.Fatalf("expected unique count to stay 1 after one of two connections for the same wallet disconnects, got %d", got)
	}

	hub.unregister(c1)
	if got := hub.UniqueWalletCount(); got != 0 {
		t.Fatalf("expected unique count 0 after last connection for the wallet disconnects, got %d", got)
	}
}

func TestHubPublishFanoutToRoomSubscribersOnly(t *testing.T) {
	hub := NewHub()
	subscriber := newTestClient(hub)
	bystander := newTestClient(hub)
	hub.Subscribe("r1", subscriber)

	hub.Publish("r1", "round:result", map[string]int{"index": 0})

	if f, ok := nextFrame(t, subscriber); !ok || f.Event != "round:result" {
		t.Fatalf("expected subscriber to receive the room event")
	}
	if f, ok := nextFrame(t, bystander); ok {
		t.Fatalf("expected non-subscriber to receive no room event, got %q", f.Event)
	}
}

func TestMsgLimiterEnforcesRateLimit(t *testing.T) {
	l := newMsgLimiter(2, time.Hour)
	if !l.Allow() || !l.Allow() {
		t.Fatalf("expected first two messages within burst to be allowed")
	}
	if l.Allow() {
		t.Fatalf("expected third message beyond burst to be rejected")
	}
}
