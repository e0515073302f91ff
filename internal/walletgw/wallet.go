// Package walletgw implements spec.md §4.2, the Wallet Gateway:
// deterministic per-seat deposit address derivation and payout/refund
// transaction construction, with retry/backoff on broadcast failure.
//
// All BIP32 key arithmetic lives behind walletkey.Signer; all node
// communication lives behind chainrpc.Client. This package only
// orchestrates the two against the room/seat domain model.
package walletgw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/roulette-engine/internal/chainrpc"
	"github.com/rawblock/roulette-engine/internal/walletkey"
	"github.com/rawblock/roulette-engine/pkg/models"
)

// Gateway is the Wallet Gateway. One Gateway instance serves every
// room in the engine; it is safe for concurrent use because Signer
// and Client implementations are themselves safe for concurrent use
// and Gateway itself holds no per-room mutable state.
type Gateway struct {
	signer walletkey.Signer
	chain  chainrpc.Client

	maxBroadcastAttempts int
	retryBaseDelay       time.Duration
}

// NewGateway builds a Gateway. maxBroadcastAttempts and
// retryBaseDelay default to 5 and 2s if zero — chosen to keep a
// payout's total worst-case delay (§4.2's retry ceiling) well inside
// the settlement window described in §4.3.
func NewGateway(signer walletkey.Signer, chain chainrpc.Client, maxBroadcastAttempts int, retryBaseDelay time.Duration) *Gateway {
	if maxBroadcastAttempts <= 0 {
		maxBroadcastAttempts = 5
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = 2 * time.Second
	}
	return &Gateway{
		signer:               signer,
		chain:                chain,
		maxBroadcastAttempts: maxBroadcastAttempts,
		retryBaseDelay:       retryBaseDelay,
	}
}

// SeatDepositAddress derives seat k's deposit address within room
// roomID (§4.2 "deriveSeat(roomId, k)"). Called once, at seat
// assignment; the result is persisted on the Seat so it never needs
// re-derivation.
func (g *Gateway) SeatDepositAddress(roomID string, seatIndex int) (string, error) {
	kp, err := g.signer.DeriveSeat(roomID, seatIndex)
	if err != nil {
		return "", fmt.Errorf("walletgw: derive seat %d address for room %s: %w", seatIndex, roomID, err)
	}
	return kp.Address, nil
}

// RoomSigningAddress returns the address that owns every confirmed
// seat deposit's downstream payout/refund transactions for roomID.
func (g *Gateway) RoomSigningAddress(roomID string) (string, error) {
	kp, err := g.signer.DeriveRoomKey(roomID)
	if err != nil {
		return "", fmt.Errorf("walletgw: derive room key for %s: %w", roomID, err)
	}
	return kp.Address, nil
}

// PayoutPlan is the set of outputs a settlement produces: the house
// cut and one or more survivor payees. houseCutAddress is the
// operator's own treasury address, outside the HD hierarchy.
type PayoutPlan struct {
	RoomID          string
	HouseCutAddress string
	HouseCut        int64
	Payees          []models.Payee
}

// ExecutePayout signs and broadcasts the aggregate payout transaction
// for a SETTLED room, retrying on broadcast failure with exponential
// backoff. On permanent failure after the retry ceiling it returns
// models.PayoutFailedSentinel as the txid alongside a non-nil error —
// callers (the Room Manager) persist that sentinel rather than retry
// forever, per §7's "no partial payouts on permanent failure" rule.
func (g *Gateway) ExecutePayout(ctx context.Context, plan PayoutPlan) (txID string, err error) {
	kp, err := g.signer.DeriveRoomKey(plan.RoomID)
	if err != nil {
		return models.PayoutFailedSentinel, fmt.Errorf("walletgw: payout %s: derive room key: %w", plan.RoomID, err)
	}

	rawTx, err := buildPayoutTx(plan)
	if err != nil {
		return models.PayoutFailedSentinel, fmt.Errorf("walletgw: payout %s: build tx: %w", plan.RoomID, err)
	}

	digest := sha256.Sum256([]byte(rawTx))
	sig, err := g.signer.Sign(kp.Priv, digest[:])
	if err != nil {
		return models.PayoutFailedSentinel, fmt.Errorf("walletgw: payout %s: sign: %w", plan.RoomID, err)
	}
	signedTx := rawTx + "|" + hex.EncodeToString(sig)

	return g.broadcastWithRetry(ctx, "payout", plan.RoomID, signedTx)
}

// RefundPlan is a single seat's reimbursement on ABORT.
type RefundPlan struct {
	RoomID    string
	SeatIndex int
	Address   string
	Amount    int64
}

// ExecuteRefund signs and broadcasts one seat's refund transaction.
// Refunds are issued independently per seat (§4.3 "ABORT"), so one
// seat's permanent failure never blocks another seat's refund.
func (g *Gateway) ExecuteRefund(ctx context.Context, plan RefundPlan) (txID string, err error) {
	kp, err := g.signer.DeriveRoomKey(plan.RoomID)
	if err != nil {
		return models.PayoutFailedSentinel, fmt.Errorf("walletgw: refund %s seat %d: derive room key: %w", plan.RoomID, plan.SeatIndex, err)
	}

	rawTx := fmt.Sprintf("refund|%s|%d|%s|%d", plan.RoomID, plan.SeatIndex, plan.Address, plan.Amount)
	digest := sha256.Sum256([]byte(rawTx))
	sig, err := g.signer.Sign(kp.Priv, digest[:])
	if err != nil {
		return models.PayoutFailedSentinel, fmt.Errorf("walletgw: refund %s seat %d: sign: %w", plan.RoomID, plan.SeatIndex, err)
	}
	signedTx := rawTx + "|" + hex.EncodeToString(sig)

	return g.broadcastWithRetry(ctx, "refund", plan.RoomID, signedTx)
}

// buildPayoutTx serializes a payout plan into the transaction format
// chainrpc.Client.SubmitTransaction expects. The actual Kaspa
// transaction wire format (UTXO selection, mass calculation, Schnorr
// sighash) is out of scope for this tree's domain stack — no pack repo
// ships a Kaspa transaction builder — so plans serialize to a flat,
// deterministic string that a concrete chainrpc.Client is free to
// re-encode however its wire protocol requires.
func buildPayoutTx(plan PayoutPlan) (string, error) {
	if plan.HouseCutAddress == "" {
		return "", fmt.Errorf("missing house cut address")
	}
	if len(plan.Payees) == 0 {
		return "", fmt.Errorf("payout plan has no payees")
	}
	s := fmt.Sprintf("payout|%s|house:%s:%d", plan.RoomID, plan.HouseCutAddress, plan.HouseCut)
	for _, p := range plan.Payees {
		s += fmt.Sprintf("|%s:%d", p.Address, p.Amount)
	}
	return s, nil
}

// broadcastWithRetry submits signedTx, retrying transient failures
// with exponential backoff up to g.maxBroadcastAttempts times —
// grounded on the teacher's bitcoin client reconnect/backoff idiom,
// generalized from "reconnect the RPC socket" to "resubmit the same
// signed transaction," which is always safe here because broadcast of
// an already-confirmed tx is a no-op at the node.
func (g *Gateway) broadcastWithRetry(ctx context.Context, kind, roomID, signedTx string) (string, error) {
	delay := g.retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= g.maxBroadcastAttempts; attempt++ {
		txID, err := g.chain.SubmitTransaction(ctx, signedTx)
		if err == nil {
			return txID, nil
		}
		lastErr = err
		log.Printf("[WalletGateway] %s broadcast attempt %d/%d for room %s failed: %v", kind, attempt, g.maxBroadcastAttempts, roomID, err)

		if attempt == g.maxBroadcastAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return models.PayoutFailedSentinel, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return models.PayoutFailedSentinel, fmt.Errorf("walletgw: %s for room %s: permanent failure after %d attempts: %w", kind, roomID, g.maxBroadcastAttempts, lastErr)
}
