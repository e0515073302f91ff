package chainwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rawblock/roulette-engine/internal/chainrpc"
)

type stubClient struct {
	mu       sync.Mutex
	calls    int32
	daaScore uint64
	fail     bool
}

func (s *stubClient) GetUTXOsByAddress(ctx context.Context, addr string) ([]chainrpc.UTXO, error) {
	return nil, nil
}

func (s *stubClient) GetTip(ctx context.Context) (chainrpc.TipInfo, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return chainrpc.TipInfo{}, errors.New("node unreachable")
	}
	return chainrpc.TipInfo{DAAScore: s.daaScore}, nil
}

func (s *stubClient) GetBlockHash(ctx context.Context, daaScore uint64) (string, error) {
	return "hash", nil
}

func (s *stubClient) SubmitTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return "tx", nil
}

func (s *stubClient) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("node unreachable")
	}
	return nil
}

func TestGetTipServesFreshCache(t *testing.T) {
	stub := &stubClient{daaScore: 42}
	w := NewWatcher(stub, time.Hour, time.Hour)

	tip, err := w.GetTip(context.Background())
	if err != nil {
		t.Fatalf("GetTip: %v", err)
	}
	if tip.DAAScore != 42 {
		t.Fatalf("expected DAAScore=42, got %d", tip.DAAScore)
	}

	// Second call within staleAfter should be served from cache, not
	// issue a second live call.
	if _, err := w.GetTip(context.Background()); err != nil {
		t.Fatalf("GetTip (cached): %v", err)
	}
	if atomic.LoadInt32(&stub.calls) != 1 {
		t.Fatalf("expected exactly one live call, got %d", stub.calls)
	}
}

func TestGetTipFallsBackWhenCacheStale(t *testing.T) {
	stub := &stubClient{daaScore: 1}
	w := NewWatcher(stub, time.Hour, time.Millisecond)

	if _, err := w.GetTip(context.Background()); err != nil {
		t.Fatalf("GetTip: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := w.GetTip(context.Background()); err != nil {
		t.Fatalf("GetTip (stale refresh): %v", err)
	}
	if atomic.LoadInt32(&stub.calls) != 2 {
		t.Fatalf("expected two live calls after staleness, got %d", stub.calls)
	}
}

func TestRunTracksConnectionState(t *testing.T) {
	stub := &stubClient{daaScore: 7, fail: true}
	w := NewWatcher(stub, 5*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if w.IsConnected() {
		t.Fatalf("expected disconnected state while the stub fails")
	}

	stub.mu.Lock()
	stub.fail = false
	stub.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	if !w.IsConnected() {
		t.Fatalf("expected connected state after recovery")
	}
}
