package main

import (
	"context"
	"log"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rawblock/roulette-engine/internal/api"
	"github.com/rawblock/roulette-engine/internal/chainrpc"
	"github.com/rawblock/roulette-engine/internal/chainwatch"
	"github.com/rawblock/roulette-engine/internal/config"
	"github.com/rawblock/roulette-engine/internal/deposit"
	"github.com/rawblock/roulette-engine/internal/queue"
	"github.com/rawblock/roulette-engine/internal/realtime"
	"github.com/rawblock/roulette-engine/internal/room"
	"github.com/rawblock/roulette-engine/internal/store"
	"github.com/rawblock/roulette-engine/internal/walletgw"
	"github.com/rawblock/roulette-engine/internal/walletkey"
)

func main() {
	log.Println("Starting roulette-engine (Kaspa Russian Roulette orchestrator)...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Wallet / signing ───────────────────────────────────────────
	netParams := &chaincfg.MainNetParams
	if cfg.Network != "mainnet" {
		netParams = &chaincfg.TestNet3Params
	}
	signer, err := walletkey.NewHDSigner(cfg.WalletMnemonic, "", netParams)
	if err != nil {
		log.Fatalf("FATAL: wallet signer: %v", err)
	}

	// ─── Chain RPC + watcher ────────────────────────────────────────
	chainClient := chainrpc.NewHTTPClient(chainrpc.Config{
		Host: cfg.ChainRPCHost,
		User: cfg.ChainRPCUser,
		Pass: cfg.ChainRPCPass,
	}, 30*time.Second)

	watcher := chainwatch.NewWatcher(chainClient, 5*time.Second, 20*time.Second)
	go watcher.Run(ctx)

	if err := watcher.WaitForConnection(ctx, 10*time.Second); err != nil {
		log.Printf("Warning: chain RPC unreachable at startup, continuing — reconnects happen in the background: %v", err)
	}

	wallet := walletgw.NewGateway(signer, watcher, 5, 2*time.Second)

	// ─── Persistence ────────────────────────────────────────────────
	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without persistence: %v", err)
			st = nil
		} else {
			defer st.Close()
			if err := st.InitSchema(ctx, ""); err != nil {
				log.Printf("Warning: schema init failed: %v", err)
			}
		}
	} else {
		log.Println("Warning: DATABASE_URL not set, continuing without persistence")
	}

	// ─── Realtime hub ───────────────────────────────────────────────
	hub := realtime.NewHub()

	// ─── Room Manager ───────────────────────────────────────────────
	// st is only assigned to the room.Store interface when non-nil:
	// a typed-nil *store.Store boxed into an interface is non-nil,
	// which would defeat the nil checks below and in internal/room.
	var roomStore room.Store
	storeConnected := st != nil
	if storeConnected {
		roomStore = st
	}
	roomCfg := room.Config{
		HouseCutPercent:       cfg.HouseCutPercent,
		SettlementBlockOffset: cfg.SettlementBlockOffset,
		TurnTimeoutSeconds:    cfg.TurnTimeoutSeconds,
		TreasuryAddress:       cfg.TreasuryAddress,
	}
	roomMgr := room.NewManager(roomStore, hub, wallet, watcher, roomCfg)

	if storeConnected {
		if err := roomMgr.Recover(ctx); err != nil {
			log.Printf("Warning: room recovery failed: %v", err)
		}
	}
	roomMgr.StartSweep(ctx, 2*time.Second)

	// ─── Deposit Monitor ────────────────────────────────────────────
	depositMonitor := deposit.NewMonitor(roomMgr, watcher)
	go depositMonitor.Run(ctx, 3*time.Second)

	// ─── Queue Manager ──────────────────────────────────────────────
	queueMgr := queue.NewManager(roomMgr, func(roomID string, walletAddresses []string) {
		hub.Publish(roomID, "room:assigned", map[string]interface{}{
			"roomId":  roomID,
			"wallets": walletAddresses,
		})
	}, 5*time.Minute)
	queueMgr.StartSweep(ctx, 30*time.Second)

	// ─── Wire the Hub's dispatcher + snapshotter, start its tick ───
	hub.SetDispatcher(realtime.NewRoomDispatcher(roomMgr, queueMgr, cfg.MatchmakingRules()))
	hub.SetSnapshotter(roomMgr)
	hub.StartBroadcastTick(1 * time.Second)

	// ─── REST shell ─────────────────────────────────────────────────
	r := api.SetupRouter(roomMgr, queueMgr, st, hub)

	log.Printf("Engine running on :%s (network=%s)\n", cfg.HTTPPort, cfg.Network)
	if err := r.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
