// Package chainwatch implements the Chain Watcher half of spec.md
// §4.3: a long-running poll loop that keeps the current DAG tip
// cached so the Room Manager's lock and settlement checks don't each
// hit the node on every sweep tick (UTXO queries pass straight
// through), plus the connect/disconnect bookkeeping and bounded
// backoff reconnect §6 requires.
//
// Grounded on the teacher's internal/scanner/block_scanner.go
// polling-loop-with-atomic-progress shape (ctx.Done()-cancellable
// background goroutine) and internal/bitcoin/client.go's connection
// probe, generalized into a continuously-running watch instead of a
// one-shot scan.
package chainwatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rawblock/roulette-engine/internal/chainrpc"
)

// Watcher wraps a chainrpc.Client, caching its tip and implementing
// the same interface so it is a drop-in replacement anywhere a
// chainrpc.Client is expected (Room Manager, Deposit Monitor).
var _ chainrpc.Client = (*Watcher)(nil)

type Watcher struct {
	client chainrpc.Client

	mu          sync.RWMutex
	tip         chainrpc.TipInfo
	tipFetched  time.Time
	connected   bool

	pollInterval time.Duration
	staleAfter   time.Duration
}

// NewWatcher builds a Watcher. pollInterval governs the background
// refresh cadence; staleAfter is how old a cached tip may be before
// GetTip falls back to a synchronous call (defends against a stalled
// poll loop silently serving ancient data).
func NewWatcher(client chainrpc.Client, pollInterval, staleAfter time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &Watcher{client: client, pollInterval: pollInterval, staleAfter: staleAfter}
}

// Run polls the tip on pollInterval until ctx is cancelled. On
// failure it flips to disconnected and retries with the client's own
// bounded backoff via WaitForConnection (§6 "retries forever on
// disconnect with bounded backoff").
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	tip, err := w.client.GetTip(ctx)
	if err != nil {
		w.setConnected(false)
		log.Printf("[ChainWatcher] tip poll failed, reconnecting: %v", err)
		if err := w.client.WaitForConnection(ctx, 30*time.Second); err != nil {
			log.Printf("[ChainWatcher] reconnect attempt failed: %v", err)
			return
		}
		w.setConnected(true)
		return
	}
	w.setConnected(true)
	w.mu.Lock()
	w.tip = tip
	w.tipFetched = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) setConnected(v bool) {
	w.mu.Lock()
	prev := w.connected
	w.connected = v
	w.mu.Unlock()
	if prev != v {
		if v {
			log.Printf("[ChainWatcher] connected")
		} else {
			log.Printf("[ChainWatcher] disconnected")
		}
	}
}

// IsConnected reports the watcher's last known connection state.
func (w *Watcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// GetTip implements chainrpc.Client, preferring the cache when it's
// fresh enough and falling back to a live call otherwise.
func (w *Watcher) GetTip(ctx context.Context) (chainrpc.TipInfo, error) {
	w.mu.RLock()
	tip, fetched := w.tip, w.tipFetched
	w.mu.RUnlock()
	if !fetched.IsZero() && time.Since(fetched) < w.staleAfter {
		return tip, nil
	}
	live, err := w.client.GetTip(ctx)
	if err != nil {
		return chainrpc.TipInfo{}, err
	}
	w.mu.Lock()
	w.tip = live
	w.tipFetched = time.Now()
	w.mu.Unlock()
	return live, nil
}

func (w *Watcher) GetUTXOsByAddress(ctx context.Context, addr string) ([]chainrpc.UTXO, error) {
	return w.client.GetUTXOsByAddress(ctx, addr)
}

func (w *Watcher) GetBlockHash(ctx context.Context, daaScore uint64) (string, error) {
	return w.client.GetBlockHash(ctx, daaScore)
}

func (w *Watcher) SubmitTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return w.client.SubmitTransaction(ctx, rawTxHex)
}

func (w *Watcher) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	return w.client.WaitForConnection(ctx, timeout)
}
