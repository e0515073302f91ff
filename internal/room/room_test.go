package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rawblock/roulette-engine/internal/chainrpc"
	"github.com/rawblock/roulette-engine/internal/walletgw"
	"github.com/rawblock/roulette-engine/internal/walletkey"
	"github.com/rawblock/roulette-engine/pkg/models"
)

// memStore is an in-memory Store fake.
type memStore struct {
	mu      sync.Mutex
	rooms   map[string]*models.Room
	audits  []models.AuditEntry
	refunds []models.Refund
	payouts []models.Payout
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string]*models.Room)}
}

func (s *memStore) SaveRoom(ctx context.Context, r *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rooms[r.ID] = &cp
	return nil
}

func (s *memStore) LoadNonTerminalRooms(ctx context.Context) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Room
	for _, r := range s.rooms {
		if r.State != models.StateSettled && r.State != models.StateAborted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *memStore) AppendRefund(ctx context.Context, r models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, r)
	return nil
}

func (s *memStore) AppendPayout(ctx context.Context, p models.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts = append(s.payouts, p)
	return nil
}

// memSink records every published event.
type memSink struct {
	mu     sync.Mutex
	events []string
}

func (h *memSink) Publish(roomID, event string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *memSink) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == event {
			n++
		}
	}
	return n
}

// fakeChain is a controllable chainrpc.Client for settlement tests.
type fakeChain struct {
	mu       sync.Mutex
	daaScore uint64
}

func (f *fakeChain) GetUTXOsByAddress(ctx context.Context, addr string) ([]chainrpc.UTXO, error) {
	return nil, nil
}
func (f *fakeChain) GetTip(ctx context.Context) (chainrpc.TipInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return chainrpc.TipInfo{Hash: fmt.Sprintf("hash-%d", f.daaScore), DAAScore: f.daaScore}, nil
}
func (f *fakeChain) GetBlockHash(ctx context.Context, daaScore uint64) (string, error) {
	return fmt.Sprintf("hash-%d", daaScore), nil
}
func (f *fakeChain) SubmitTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return "tx-" + rawTxHex[:8], nil
}
func (f *fakeChain) WaitForConnection(ctx context.Context, timeout time.Duration) error { return nil }

func (f *fakeChain) advance(by uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daaScore += by
}

func newTestManager(t *testing.T, chain *fakeChain) (*Manager, *memStore, *memSink) {
	t.Helper()
	signer, err := walletkey.NewHDSigner("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewHDSigner: %v", err)
	}
	gw := walletgw.NewGateway(signer, chain, 3, time.Millisecond)
	store := newMemStore()
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.TreasuryAddress = "treasury-addr"
	cfg.TurnTimeoutSeconds = 1
	mgr := NewManager(store, sink, gw, chain, cfg)
	return mgr, store, sink
}

func confirmAllSeats(t *testing.T, mgr *Manager, r *models.Room) {
	t.Helper()
	for i := 0; i < r.MaxPlayers; i++ {
		wallet := fmt.Sprintf("wallet-%d", i)
		if _, err := mgr.JoinSeat(context.Background(), r.ID, wallet); err != nil {
			t.Fatalf("JoinSeat(%d): %v", i, err)
		}
		if err := mgr.SubmitClientSeed(r.ID, i, fmt.Sprintf("seed-%d", i)); err != nil {
			t.Fatalf("SubmitClientSeed(%d): %v", i, err)
		}
		if err := mgr.ConfirmDeposit(context.Background(), r.ID, i, fmt.Sprintf("dep-tx-%d", i), r.SeatPrice); err != nil {
			t.Fatalf("ConfirmDeposit(%d): %v", i, err)
		}
	}
}

func TestRoomLifecycleToSettled(t *testing.T) {
	chain := &fakeChain{daaScore: 100}
	mgr, _, sink := newTestManager(t, chain)

	r, err := mgr.CreateRoom(models.ModeRegular, 1000, 2, 2, time.Hour)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	confirmAllSeats(t, mgr, r)

	locked, ok := mgr.Lookup(r.ID)
	if !ok {
		t.Fatalf("room disappeared")
	}
	if locked.State != models.StateLocked {
		t.Fatalf("expected LOCKED after all seats confirmed, got %s", locked.State)
	}
	if locked.LockHeight == nil || *locked.LockHeight != 100 {
		t.Fatalf("expected lockHeight=100, got %v", locked.LockHeight)
	}
	wantSettlement := *locked.LockHeight + mgr.cfg.SettlementBlockOffset
	if *locked.SettlementBlockHeight != wantSettlement {
		t.Fatalf("expected settlementBlockHeight=%d, got %d", wantSettlement, *locked.SettlementBlockHeight)
	}

	chain.advance(mgr.cfg.SettlementBlockOffset)
	mgr.sweepOnce(context.Background())

	playing, _ := mgr.Lookup(r.ID)
	if playing.State != models.StatePlaying {
		t.Fatalf("expected PLAYING after settlement block reached, got %s", playing.State)
	}
	if playing.SettlementBlockHash == "" {
		t.Fatalf("expected settlementBlockHash to be set")
	}
	if playing.CurrentTurnSeatIndex == nil {
		t.Fatalf("expected a current shooter")
	}

	// Drive the game to completion: pull the current shooter's trigger
	// repeatedly until the room settles or we exceed a safety bound.
	for i := 0; i < 50; i++ {
		cur, ok := mgr.Lookup(r.ID)
		if !ok || cur.State != models.StatePlaying {
			break
		}
		_ = mgr.PullTrigger(context.Background(), r.ID, *cur.CurrentTurnSeatIndex)
		time.Sleep(time.Millisecond)
	}

	final, ok := mgr.Lookup(r.ID)
	if !ok {
		t.Fatalf("room disappeared")
	}
	if final.State != models.StateSettled {
		t.Fatalf("expected SETTLED, got %s", final.State)
	}
	if final.PayoutTxID == "" {
		t.Fatalf("expected a payout tx id")
	}

	aliveCount := 0
	for _, s := range final.Seats {
		if s.Alive {
			aliveCount++
		}
	}
	if aliveCount != 1 {
		t.Fatalf("REGULAR mode should end with exactly one survivor, got %d", aliveCount)
	}

	if sink.count("round:result") == 0 {
		t.Fatalf("expected at least one round:result event")
	}
	if sink.count("payout:sent") != 1 {
		t.Fatalf("expected exactly one payout:sent event, got %d", sink.count("payout:sent"))
	}
}

func TestRoomAbortsOnExpiryAndRefundsConfirmedSeats(t *testing.T) {
	chain := &fakeChain{daaScore: 1}
	mgr, store, _ := newTestManager(t, chain)

	r, err := mgr.CreateRoom(models.ModeRegular, 1000, 3, 3, -time.Second) // already expired
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if _, err := mgr.JoinSeat(context.Background(), r.ID, "wallet-0"); err != nil {
		t.Fatalf("JoinSeat: %v", err)
	}
	if err := mgr.ConfirmDeposit(context.Background(), r.ID, 0, "tx-0", 1000); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}

	mgr.sweepOnce(context.Background())

	final, ok := mgr.Lookup(r.ID)
	if !ok {
		t.Fatalf("room disappeared")
	}
	if final.State != models.StateAborted {
		t.Fatalf("expected ABORTED, got %s", final.State)
	}
	if len(final.RefundTxIDs) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(final.RefundTxIDs))
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.refunds) != 1 {
		t.Fatalf("expected store to record one refund, got %d", len(store.refunds))
	}
	if store.refunds[0].Address != "wallet-0" {
		t.Fatalf("refund went to the wrong address: %s", store.refunds[0].Address)
	}
}

func TestJoinSeatRejectsDuplicateWallet(t *testing.T) {
	chain := &fakeChain{}
	mgr, _, _ := newTestManager(t, chain)
	r, err := mgr.CreateRoom(models.ModeRegular, 1000, 2, 2, time.Hour)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := mgr.JoinSeat(context.Background(), r.ID, "wallet-0"); err != nil {
		t.Fatalf("JoinSeat: %v", err)
	}
	if _, err := mgr.JoinSeat(context.Background(), r.ID, "wallet-0"); err == nil {
		t.Fatalf("expected error re-seating the same wallet")
	}
}

func TestConfirmDepositIsMonotonic(t *testing.T) {
	chain := &fakeChain{}
	mgr, _, _ := newTestManager(t, chain)
	r, err := mgr.CreateRoom(models.ModeRegular, 1000, 2, 2, time.Hour)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := mgr.JoinSeat(context.Background(), r.ID, "wallet-0"); err != nil {
		t.Fatalf("JoinSeat: %v", err)
	}
	if err := mgr.ConfirmDeposit(context.Background(), r.ID, 0, "tx-a", 1000); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if err := mgr.ConfirmDeposit(context.Background(), r.ID, 0, "tx-b", 2000); err != nil {
		t.Fatalf("second ConfirmDeposit (no-op) returned error: %v", err)
	}
	got, _ := mgr.Lookup(r.ID)
	if got.Seats[0].DepositTxID != "tx-a" {
		t.Fatalf("confirmation reverted/changed: expected tx-a, got %s", got.Seats[0].DepositTxID)
	}
}
