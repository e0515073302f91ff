// Package room implements spec.md §4.3: the Room Manager and its
// state machine. Every Room is owned by exactly one Actor — a
// logically single-threaded goroutine that drains a command mailbox —
// so all mutations to a given Room are serialized without a mutex
// (§5 "Room tasks"). The Manager only routes commands to the right
// Actor and runs the periodic sweeps (expiry, settlement, recovery).
//
// Grounded on the pack's ws-hub.go Room actor (Register/Disconnect
// channels, single owning goroutine) and the teacher's
// InvestigationManager (mutex-guarded map of aggregates) for the
// Manager shape around it.
package room

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/roulette-engine/internal/chainrpc"
	"github.com/rawblock/roulette-engine/internal/rng"
	"github.com/rawblock/roulette-engine/internal/walletgw"
	"github.com/rawblock/roulette-engine/pkg/models"
)

// Store is the durable-persistence boundary the Room Manager depends
// on (§6 "Persistence layout"). internal/store provides the Postgres
// implementation; tests use an in-memory fake.
type Store interface {
	SaveRoom(ctx context.Context, r *models.Room) error
	LoadNonTerminalRooms(ctx context.Context) ([]*models.Room, error)
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
	AppendRefund(ctx context.Context, refund models.Refund) error
	AppendPayout(ctx context.Context, payout models.Payout) error
}

// EventSink is the Hub's inbound boundary — Room actors enqueue events
// here and never call back into the Hub synchronously (§5 "Deadlock
// avoidance").
type EventSink interface {
	Publish(roomID string, event string, payload interface{})
}

// Config mirrors §6's "Configuration (recognized options)".
type Config struct {
	HouseCutPercent       int
	SettlementBlockOffset uint64
	TurnTimeoutSeconds    int
	MailboxBufferSize     int
	TreasuryAddress       string
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		HouseCutPercent:       5,
		SettlementBlockOffset: 5,
		TurnTimeoutSeconds:    30,
		MailboxBufferSize:     64,
	}
}

// Manager owns the registry of live Actors. Every registry access,
// read or write, takes mu, so concurrent lookups are serialized with
// each other as well as with inserts (the registry itself, not the
// Room, is what mu guards — the Room's own mutations never take mu).
type Manager struct {
	mu    chan struct{} // binary semaphore; see lock()/unlock() below
	rooms map[string]*Actor

	store   Store
	hub     EventSink
	wallet  *walletgw.Gateway
	chain   chainrpc.Client
	cfg     Config

	stopSweep chan struct{}
}

// NewManager builds a Manager. All dependencies are narrow interfaces
// or the walletgw.Gateway orchestrator, never concrete drivers.
func NewManager(store Store, hub EventSink, wallet *walletgw.Gateway, chain chainrpc.Client, cfg Config) *Manager {
	if cfg.MailboxBufferSize <= 0 {
		cfg.MailboxBufferSize = 64
	}
	m := &Manager{
		mu:        make(chan struct{}, 1),
		rooms:     make(map[string]*Actor),
		store:     store,
		hub:       hub,
		wallet:    wallet,
		chain:     chain,
		cfg:       cfg,
		stopSweep: make(chan struct{}),
	}
	m.mu <- struct{}{}
	return m
}

func (m *Manager) lock()   { <-m.mu }
func (m *Manager) unlock() { m.mu <- struct{}{} }

// CreateRoom constructs a new Room in LOBBY and starts its Actor.
// Grounded on ws-hub.go's newRoomWithBet + "go room.Run()".
func (m *Manager) CreateRoom(mode models.Mode, seatPrice int64, minPlayers, maxPlayers int, fundingTimeout time.Duration) (*models.Room, error) {
	if minPlayers < 2 || maxPlayers < minPlayers {
		return nil, fmt.Errorf("room: invalid player bounds min=%d max=%d", minPlayers, maxPlayers)
	}
	seed, commit, err := rng.NewServerSeed()
	if err != nil {
		return nil, fmt.Errorf("room: create: %w", err)
	}

	now := time.Now()
	r := &models.Room{
		ID:              uuid.NewString(),
		Mode:            mode,
		State:           models.StateLobby,
		SeatPrice:       seatPrice,
		MaxPlayers:      maxPlayers,
		MinPlayers:      minPlayers,
		HouseCutPercent: m.cfg.HouseCutPercent,
		ServerCommit:    commit,
		ServerSeed:      seed,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(fundingTimeout),
		Seats:           make([]*models.Seat, maxPlayers),
	}
	for i := range r.Seats {
		r.Seats[i] = &models.Seat{Index: i}
	}

	a := newActor(r, m)
	m.lock()
	m.rooms[r.ID] = a
	m.unlock()
	go a.run()

	return a.snapshot(), nil
}

// Lookup returns a point-in-time snapshot of a room, or false if no
// room with that id is registered. Settled and aborted rooms stay
// registered.
func (m *Manager) Lookup(roomID string) (*models.Room, bool) {
	m.lock()
	a, ok := m.rooms[roomID]
	m.unlock()
	if !ok {
		return nil, false
	}
	return a.snapshot(), true
}

func (m *Manager) actorFor(roomID string) (*Actor, bool) {
	m.lock()
	a, ok := m.rooms[roomID]
	m.unlock()
	return a, ok
}

// JoinSeat assigns walletAddress to the first empty seat (§4.3 "LOBBY
// → FUNDING: when a player first joins").
func (m *Manager) JoinSeat(ctx context.Context, roomID, walletAddress string) (*models.Seat, error) {
	a, ok := m.actorFor(roomID)
	if !ok {
		return nil, fmt.Errorf("room: %s not found", roomID)
	}
	return a.joinSeat(ctx, walletAddress)
}

// SubmitClientSeed records seat k's client seed.
func (m *Manager) SubmitClientSeed(roomID string, seatIndex int, clientSeed string) error {
	a, ok := m.actorFor(roomID)
	if !ok {
		return fmt.Errorf("room: %s not found", roomID)
	}
	return a.submitClientSeed(seatIndex, clientSeed)
}

// ConfirmDeposit is invoked by the Deposit Monitor when a seat's
// aggregate UTXO amount reaches seatPrice (§4.4).
func (m *Manager) ConfirmDeposit(ctx context.Context, roomID string, seatIndex int, depositTxID string, amount int64) error {
	a, ok := m.actorFor(roomID)
	if !ok {
		return fmt.Errorf("room: %s not found", roomID)
	}
	return a.confirmDeposit(ctx, seatIndex, depositTxID, amount)
}

// PullTrigger is the client-initiated resolve path.
func (m *Manager) PullTrigger(ctx context.Context, roomID string, seatIndex int) error {
	a, ok := m.actorFor(roomID)
	if !ok {
		return fmt.Errorf("room: %s not found", roomID)
	}
	return a.pullTrigger(ctx, seatIndex, false)
}

// LeaveSeat vacates walletAddress's seat in roomID, if the room state
// and seat deposit status permit it.
func (m *Manager) LeaveSeat(ctx context.Context, roomID, walletAddress string) error {
	a, ok := m.actorFor(roomID)
	if !ok {
		return fmt.Errorf("room: %s not found", roomID)
	}
	return a.leaveSeat(ctx, walletAddress)
}

// PendingSeatRef names one seat still awaiting deposit confirmation,
// for the Deposit Monitor to poll against the chain.
type PendingSeatRef struct {
	RoomID         string
	SeatIndex      int
	DepositAddress string
	SeatPrice      int64
}

// PendingSeats lists every assigned-but-unconfirmed seat across all
// rooms in LOBBY or FUNDING (§4.4's reconciliation input set).
func (m *Manager) PendingSeats(ctx context.Context) []PendingSeatRef {
	m.lock()
	actors := make([]*Actor, 0, len(m.rooms))
	for _, a := range m.rooms {
		actors = append(actors, a)
	}
	m.unlock()

	var out []PendingSeatRef
	for _, a := range actors {
		r := a.snapshot()
		if r.State != models.StateLobby && r.State != models.StateFunding {
			continue
		}
		for _, s := range r.Seats {
			if s.WalletAddress == "" || s.Confirmed {
				continue
			}
			out = append(out, PendingSeatRef{
				RoomID:         r.ID,
				SeatIndex:      s.Index,
				DepositAddress: s.DepositAddress,
				SeatPrice:      r.SeatPrice,
			})
		}
	}
	return out
}

// StartSweep launches the periodic maintenance goroutines: expiry
// checks and LOCKED→PLAYING settlement checks. Grounded on the
// teacher's mempool poller 3s-ticker idiom and ws-hub.go's
// StartCleanup dual-ticker shape.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSweep:
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

// StopSweep halts the background maintenance goroutine.
func (m *Manager) StopSweep() {
	close(m.stopSweep)
}

func (m *Manager) sweepOnce(ctx context.Context) {
	m.lock()
	actors := make([]*Actor, 0, len(m.rooms))
	for _, a := range m.rooms {
		actors = append(actors, a)
	}
	m.unlock()

	for _, a := range actors {
		a.checkExpiry(ctx)
		a.checkSettlementReady(ctx)
	}
}

// Recover scans persisted non-terminal rooms at startup and
// re-hydrates an Actor for each (§4.3 "Recovery on restart").
func (m *Manager) Recover(ctx context.Context) error {
	rooms, err := m.store.LoadNonTerminalRooms(ctx)
	if err != nil {
		return fmt.Errorf("room: recover: %w", err)
	}
	for _, r := range rooms {
		r := r
		a := newActor(r, m)
		m.lock()
		m.rooms[r.ID] = a
		m.unlock()
		go a.run()

		if time.Now().After(r.ExpiresAt) && r.State != models.StateLocked && r.State != models.StatePlaying {
			a.checkExpiry(ctx)
		}
		if r.State == models.StateLocked {
			a.checkSettlementReady(ctx)
		}
		if r.State == models.StatePlaying {
			a.resumeTurnTimer()
		}
		log.Printf("[RoomManager] recovered room=%s state=%s", r.ID, r.State)
	}
	return nil
}

// turnOrder computes the ascending-confirmedAt, seat-index-tiebreak
// order required by §3 invariant 4.
func turnOrder(seats []*models.Seat) []int {
	idx := make([]int, 0, len(seats))
	for _, s := range seats {
		if s.Confirmed {
			idx = append(idx, s.Index)
		}
	}
	sort.Slice(idx, func(i, j int) bool {
		si, sj := seats[idx[i]], seats[idx[j]]
		if si.ConfirmedAt == nil || sj.ConfirmedAt == nil {
			return idx[i] < idx[j]
		}
		if si.ConfirmedAt.Equal(*sj.ConfirmedAt) {
			return si.Index < sj.Index
		}
		return si.ConfirmedAt.Before(*sj.ConfirmedAt)
	})
	return idx
}
