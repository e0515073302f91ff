// Package deposit implements spec.md §4.4: the Deposit Monitor, a
// single periodic task that reconciles every pending seat's deposit
// address against on-chain UTXOs and notifies the Room Manager when a
// seat's aggregate deposit reaches the room's seatPrice.
//
// Grounded on the teacher's internal/mempool/poller.go: a
// time.Ticker-driven loop with an idempotence map, tolerant of
// transient RPC failure, never aborting the loop on a single query
// error.
package deposit

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/rawblock/roulette-engine/internal/chainrpc"
	"github.com/rawblock/roulette-engine/internal/room"
)

// RoomManager is the narrow slice of internal/room's Manager this
// package depends on.
type RoomManager interface {
	PendingSeats(ctx context.Context) []room.PendingSeatRef
	ConfirmDeposit(ctx context.Context, roomID string, seatIndex int, depositTxID string, amount int64) error
}

// Monitor is the Deposit Monitor. confirmed tracks seats already
// reported confirmed so a second reconciliation pass is a no-op even
// if the Room Manager's own confirm call raced ahead of us (§8
// "Deposit monitor idempotence").
type Monitor struct {
	rooms RoomManager
	chain chainrpc.Client

	confirmed map[string]bool // "roomID/seatIndex" -> already reported
}

// NewMonitor builds a Monitor.
func NewMonitor(rooms RoomManager, chain chainrpc.Client) *Monitor {
	return &Monitor{
		rooms:     rooms,
		chain:     chain,
		confirmed: make(map[string]bool),
	}
}

// Run ticks at interval until ctx is cancelled, reconciling once per
// tick (§4.4 "Loop (single task, interval ≈ 1s)").
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce performs a single reconciliation pass over every
// pending seat. A query failure for one seat never aborts the pass
// for the others — grounded on the teacher's poller continuing past a
// single mempool-fetch error.
func (m *Monitor) ReconcileOnce(ctx context.Context) {
	for _, seat := range m.rooms.PendingSeats(ctx) {
		key := seat.RoomID + "/" + strconv.Itoa(seat.SeatIndex)
		if m.confirmed[key] {
			continue
		}

		utxos, err := m.chain.GetUTXOsByAddress(ctx, seat.DepositAddress)
		if err != nil {
			log.Printf("[DepositMonitor] query failed for %s: %v", seat.DepositAddress, err)
			continue
		}
		if len(utxos) == 0 {
			continue
		}

		var total int64
		firstTxID := utxos[0].TxID
		for _, u := range utxos {
			total += u.Amount
		}
		if total < seat.SeatPrice {
			continue
		}

		if err := m.rooms.ConfirmDeposit(ctx, seat.RoomID, seat.SeatIndex, firstTxID, total); err != nil {
			log.Printf("[DepositMonitor] confirm failed for room=%s seat=%d: %v", seat.RoomID, seat.SeatIndex, err)
			continue
		}
		m.confirmed[key] = true
	}
}
