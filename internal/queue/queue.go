// Package queue implements spec.md §4.5: the Queue Manager, which
// buckets waiting wallets by (mode, seatPrice) and materializes a
// bucket into a room once it reaches the configured minPlayers.
//
// Grounded on the pack's rias-glitch-telegram-webapp ws-hub.go
// (WaitingByKey bucket map, single-membership invariant, FIFO
// pairing), generalized from a fixed 2-player pairing rule to an
// arbitrary minPlayers cardinality.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rawblock/roulette-engine/pkg/models"
)

// Key identifies a matchmaking bucket.
type Key struct {
	Mode      models.Mode
	SeatPrice int64
}

type entry struct {
	wallet   string
	joinedAt time.Time
}

// RoomCreator is the narrow slice of internal/room's Manager the
// Queue Manager depends on.
type RoomCreator interface {
	CreateRoom(mode models.Mode, seatPrice int64, minPlayers, maxPlayers int, fundingTimeout time.Duration) (*models.Room, error)
	JoinSeat(ctx context.Context, roomID, walletAddress string) (*models.Seat, error)
}

// RoomCreatedFunc is fired synchronously once a bucket fills, with
// the new room id and the matched wallets in seating order, so the
// Realtime Hub can push room:assigned without the Queue Manager
// knowing anything about WebSocket connections.
type RoomCreatedFunc func(roomID string, walletAddresses []string)

// Manager owns every matchmaking bucket.
type Manager struct {
	mu           sync.Mutex
	buckets      map[Key][]entry
	walletBucket map[string]Key // at most one bucket per wallet (single membership)

	rooms     RoomCreator
	onCreated RoomCreatedFunc
	ttl       time.Duration
}

// NewManager builds a Manager. onCreated may be nil in tests.
func NewManager(rooms RoomCreator, onCreated RoomCreatedFunc, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		buckets:      make(map[Key][]entry),
		walletBucket: make(map[string]Key),
		rooms:        rooms,
		onCreated:    onCreated,
		ttl:          ttl,
	}
}

// JoinQueue implements joinQueue(walletAddress, mode, seatPrice). If
// the wallet is already queued anywhere, it is moved to the requested
// bucket (§4.5 "Membership is at most one bucket per wallet"). If the
// wallet is already in exactly this bucket, the call is a no-op (§8
// "joinQueue(w); joinQueue(w) leaves the bucket unchanged").
func (m *Manager) JoinQueue(ctx context.Context, wallet string, mode models.Mode, seatPrice int64, minPlayers, maxPlayers int, fundingTimeout time.Duration) error {
	m.mu.Lock()

	key := Key{Mode: mode, SeatPrice: seatPrice}
	if existing, ok := m.walletBucket[wallet]; ok {
		if existing == key {
			m.mu.Unlock()
			return nil
		}
		m.removeFromBucket(existing, wallet)
	}

	m.buckets[key] = append(m.buckets[key], entry{wallet: wallet, joinedAt: time.Now()})
	m.walletBucket[wallet] = key

	var matched []string
	if len(m.buckets[key]) >= minPlayers {
		drained := m.buckets[key][:minPlayers]
		m.buckets[key] = m.buckets[key][minPlayers:]
		matched = make([]string, len(drained))
		for i, e := range drained {
			matched[i] = e.wallet
			delete(m.walletBucket, e.wallet)
		}
	}
	m.mu.Unlock()

	if matched == nil {
		return nil
	}
	return m.materialize(ctx, mode, seatPrice, minPlayers, maxPlayers, fundingTimeout, matched)
}

func (m *Manager) materialize(ctx context.Context, mode models.Mode, seatPrice int64, minPlayers, maxPlayers int, fundingTimeout time.Duration, wallets []string) error {
	r, err := m.rooms.CreateRoom(mode, seatPrice, minPlayers, maxPlayers, fundingTimeout)
	if err != nil {
		return err
	}

	for _, wallet := range wallets {
		if _, err := m.rooms.JoinSeat(ctx, r.ID, wallet); err != nil {
			log.Printf("[QueueManager] room=%s failed to seat wallet=%s: %v", r.ID, wallet, err)
		}
	}

	log.Printf("[QueueManager] materialized room=%s from %d matched wallets", r.ID, len(wallets))
	if m.onCreated != nil {
		m.onCreated(r.ID, wallets)
	}
	return nil
}

// LeaveQueue removes wallet from whatever bucket it's in, if any.
func (m *Manager) LeaveQueue(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.walletBucket[wallet]; ok {
		m.removeFromBucket(key, wallet)
		delete(m.walletBucket, wallet)
	}
}

// removeFromBucket must be called with mu held.
func (m *Manager) removeFromBucket(key Key, wallet string) {
	entries := m.buckets[key]
	for i, e := range entries {
		if e.wallet == wallet {
			m.buckets[key] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// BucketSize reports how many wallets are currently waiting in
// (mode, seatPrice) — used by the queue snapshot API endpoint.
func (m *Manager) BucketSize(mode models.Mode, seatPrice int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets[Key{Mode: mode, SeatPrice: seatPrice}])
}

// Snapshot reports the current depth of every non-empty bucket, for
// the operator-visibility queue snapshot endpoint (SUPPLEMENTED
// FEATURES #3).
func (m *Manager) Snapshot() map[Key]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]int, len(m.buckets))
	for key, entries := range m.buckets {
		if len(entries) > 0 {
			out[key] = len(entries)
		}
	}
	return out
}

// Sweep purges bucket entries older than the configured TTL (§4.5
// "Staleness"), grounded on ws-hub.go's cleanupStaleWaiting ticker.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.ttl)
	for key, entries := range m.buckets {
		kept := entries[:0]
		for _, e := range entries {
			if e.joinedAt.Before(cutoff) {
				delete(m.walletBucket, e.wallet)
				log.Printf("[QueueManager] purged stale wallet=%s from bucket=%+v", e.wallet, key)
				continue
			}
			kept = append(kept, e)
		}
		m.buckets[key] = kept
	}
}

// StartSweep launches a background goroutine sweeping at interval
// until ctx is cancelled.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}
