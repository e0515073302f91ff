package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rawblock/roulette-engine/pkg/models"
)

// RoomActions is the narrow slice of internal/room's Manager the Hub
// depends on, mirroring the walletkey.Signer / chainrpc.Client
// adapter-boundary pattern so this package never imports the concrete
// room.Manager type.
type RoomActions interface {
	Lookup(roomID string) (*models.Room, bool)
	JoinSeat(ctx context.Context, roomID, walletAddress string) (*models.Seat, error)
	LeaveSeat(ctx context.Context, roomID, walletAddress string) error
	SubmitClientSeed(roomID string, seatIndex int, clientSeed string) error
	PullTrigger(ctx context.Context, roomID string, seatIndex int) error
}

// QueueActions is the narrow slice of internal/queue's Manager the Hub
// depends on.
type QueueActions interface {
	JoinQueue(ctx context.Context, wallet string, mode models.Mode, seatPrice int64, minPlayers, maxPlayers int, fundingTimeout time.Duration) error
	LeaveQueue(wallet string)
}

// MatchmakingRules resolves the minPlayers/maxPlayers/fundingTimeout
// triple for a (mode, seatPrice) pair from §6's quickMatch/customRoom
// configuration, so the Hub never hard-codes those numbers.
type MatchmakingRules func(mode models.Mode, seatPrice int64) (minPlayers, maxPlayers int, fundingTimeout time.Duration)

// RoomDispatcher implements Dispatcher by routing the nine §4.6
// client-to-server frames into RoomActions/QueueActions, always using
// the connection's bound wallet for authorization, never a
// payload-supplied one.
type RoomDispatcher struct {
	rooms RoomActions
	queue QueueActions
	rules MatchmakingRules
}

func NewRoomDispatcher(rooms RoomActions, queue QueueActions, rules MatchmakingRules) *RoomDispatcher {
	return &RoomDispatcher{rooms: rooms, queue: queue, rules: rules}
}

type joinRoomPayload struct {
	RoomID        string `json:"roomId"`
	WalletAddress string `json:"walletAddress"`
}

type leaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type joinQueuePayload struct {
	Mode          models.Mode `json:"mode"`
	SeatPrice     int64       `json:"seatPrice"`
	WalletAddress string      `json:"walletAddress"`
}

type submitClientSeedPayload struct {
	RoomID     string `json:"roomId"`
	SeatIndex  int    `json:"seatIndex"`
	ClientSeed string `json:"clientSeed"`
}

type readyForTurnPayload struct {
	RoomID string `json:"roomId"`
	TurnID int    `json:"turnId"`
}

type roomOnlyPayload struct {
	RoomID string `json:"roomId"`
}

// Dispatch implements the Dispatcher interface consumed by Hub.readPump.
func (d *RoomDispatcher) Dispatch(c *Client, frame Frame) error {
	ctx := context.Background()

	switch frame.Event {
	case "join_room":
		var p joinRoomPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		if err := c.hub.BindWallet(c, p.WalletAddress); err != nil {
			return err
		}
		wallet := c.Wallet()
		if _, err := d.rooms.JoinSeat(ctx, p.RoomID, wallet); err != nil {
			return err
		}
		c.hub.Subscribe(p.RoomID, c)
		return nil

	case "subscribe_room":
		var p joinRoomPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		if err := c.hub.BindWallet(c, p.WalletAddress); err != nil {
			return err
		}
		c.hub.Subscribe(p.RoomID, c)
		if snap, ok := d.rooms.Lookup(p.RoomID); ok {
			c.hub.Publish(p.RoomID, "room:update", snap)
		}
		return nil

	case "leave_room":
		var p leaveRoomPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		wallet := c.Wallet()
		if wallet == "" {
			return fmt.Errorf("realtime: connection has no bound wallet")
		}
		if err := d.rooms.LeaveSeat(ctx, p.RoomID, wallet); err != nil {
			return err
		}
		c.hub.Unsubscribe(p.RoomID, c)
		return nil

	case "join_queue":
		var p joinQueuePayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		if err := c.hub.BindWallet(c, p.WalletAddress); err != nil {
			return err
		}
		wallet := c.Wallet()
		minPlayers, maxPlayers, fundingTimeout := d.rules(p.Mode, p.SeatPrice)
		if err := d.queue.JoinQueue(ctx, wallet, p.Mode, p.SeatPrice, minPlayers, maxPlayers, fundingTimeout); err != nil {
			return err
		}
		c.enqueueFrame("queue:joined", map[string]interface{}{"mode": p.Mode, "seatPrice": p.SeatPrice})
		return nil

	case "leave_queue":
		wallet := c.Wallet()
		if wallet == "" {
			return fmt.Errorf("realtime: connection has no bound wallet")
		}
		d.queue.LeaveQueue(wallet)
		c.enqueueFrame("queue:left", nil)
		return nil

	case "submit_client_seed":
		var p submitClientSeedPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		wallet := c.Wallet()
		if wallet == "" {
			return fmt.Errorf("realtime: connection has no bound wallet")
		}
		room, ok := d.rooms.Lookup(p.RoomID)
		if !ok {
			return fmt.Errorf("realtime: room %s not found", p.RoomID)
		}
		seat, ok := seatForIndex(room, p.SeatIndex)
		if !ok || seat.WalletAddress != wallet {
			return fmt.Errorf("realtime: wallet not seated at index %d in room %s", p.SeatIndex, p.RoomID)
		}
		return d.rooms.SubmitClientSeed(p.RoomID, p.SeatIndex, p.ClientSeed)

	case "ready_for_turn":
		var p readyForTurnPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		// Acknowledgement only — startTurn never blocks on a
		// pre-turn wait, so there is nothing to release. See
		// DESIGN.md's Open Question decision on turn gating.
		return nil

	case "pull_trigger":
		var p roomOnlyPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		wallet := c.Wallet()
		if wallet == "" {
			return fmt.Errorf("realtime: connection has no bound wallet")
		}
		room, ok := d.rooms.Lookup(p.RoomID)
		if !ok {
			return fmt.Errorf("realtime: room %s not found", p.RoomID)
		}
		seatIndex, ok := seatIndexForWallet(room, wallet)
		if !ok {
			return fmt.Errorf("realtime: wallet not seated in room %s", p.RoomID)
		}
		return d.rooms.PullTrigger(ctx, p.RoomID, seatIndex)

	case "confirm_results_shown":
		var p roomOnlyPayload
		if err := decode(frame.Payload, &p); err != nil {
			return err
		}
		// Acknowledgement only — settle() already runs
		// unconditionally once the termination condition is met.
		return nil

	default:
		return fmt.Errorf("realtime: unrecognized event %q", frame.Event)
	}
}

func seatIndexForWallet(room *models.Room, wallet string) (int, bool) {
	for _, s := range room.Seats {
		if s.WalletAddress == wallet {
			return s.Index, true
		}
	}
	return 0, false
}

func seatForIndex(room *models.Room, seatIndex int) (*models.Seat, bool) {
	for _, s := range room.Seats {
		if s.Index == seatIndex {
			return s, true
		}
	}
	return nil, false
}

func decode(payload interface{}, dst interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: re-marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("realtime: malformed payload: %w", err)
	}
	return nil
}

func (c *Client) enqueueFrame(event string, payload interface{}) {
	data, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}
