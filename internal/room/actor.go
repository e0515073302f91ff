package room

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/roulette-engine/internal/rng"
	"github.com/rawblock/roulette-engine/internal/walletgw"
	"github.com/rawblock/roulette-engine/pkg/models"
)

// Actor owns exactly one Room and is the only goroutine that ever
// touches it. All external callers go through its inbox — grounded on
// the pack's ws-hub.go Room (Register/Disconnect channels feeding a
// single Run() goroutine).
type Actor struct {
	mgr  *Manager
	room *models.Room

	inbox chan func()

	turnOrderSeats []int // fixed at LOCK, ascending confirmedAt / seat index
	initialAlive   int
	roundsPlayed   int
	turnTimer      *time.Timer
}

func newActor(r *models.Room, mgr *Manager) *Actor {
	return &Actor{
		mgr:   mgr,
		room:  r,
		inbox: make(chan func(), mgr.cfg.MailboxBufferSize),
	}
}

func (a *Actor) run() {
	for cmd := range a.inbox {
		cmd()
	}
}

// do enqueues fn and waits for it to run inside the actor goroutine,
// returning its error (or ctx's error if the mailbox never drains).
func (a *Actor) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	cmd := func() { done <- fn() }
	select {
	case a.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting for a result — used by the
// Manager's periodic sweep, which must never block on a busy room.
// Grounded on ws-hub.go's non-blocking `select ... default` sends,
// generalized with a short timeout so a legitimately full mailbox
// still eventually gets its sweep tick rather than being silently
// dropped every time.
func (a *Actor) post(fn func()) {
	select {
	case a.inbox <- fn:
	case <-time.After(2 * time.Second):
		log.Printf("[RoomManager] room=%s mailbox busy, dropped a sweep tick", a.room.ID)
	}
}

func (a *Actor) snapshot() *models.Room {
	done := make(chan *models.Room, 1)
	a.post(func() {
		cp := *a.room
		cp.Seats = make([]*models.Seat, len(a.room.Seats))
		for i, s := range a.room.Seats {
			sc := *s
			cp.Seats[i] = &sc
		}
		cp.Rounds = make([]*models.Round, len(a.room.Rounds))
		for i, r := range a.room.Rounds {
			rc := *r
			cp.Rounds[i] = &rc
		}
		done <- &cp
	})
	return <-done
}

func (a *Actor) publish(event string, payload interface{}) {
	if a.mgr.hub != nil {
		a.mgr.hub.Publish(a.room.ID, event, payload)
	}
}

func (a *Actor) persist(ctx context.Context) {
	if a.mgr.store == nil {
		return
	}
	if err := a.mgr.store.SaveRoom(ctx, a.room); err != nil {
		log.Printf("[RoomManager] room=%s persist failed: %v", a.room.ID, err)
	}
}

func (a *Actor) transitionTo(ctx context.Context, to models.State, reason string) {
	from := a.room.State
	a.room.State = to
	a.room.UpdatedAt = time.Now()
	if a.mgr.store != nil {
		_ = a.mgr.store.AppendAudit(ctx, models.AuditEntry{
			RoomID:    a.room.ID,
			From:      from,
			To:        to,
			Reason:    reason,
			Timestamp: a.room.UpdatedAt,
		})
	}
	a.persist(ctx)
	a.publish("room:update", a.room)
	log.Printf("[RoomManager] room=%s %s -> %s (%s)", a.room.ID, from, to, reason)
}

// joinSeat implements §4.3 "LOBBY → FUNDING: when a player first joins".
func (a *Actor) joinSeat(ctx context.Context, walletAddress string) (*models.Seat, error) {
	var result *models.Seat
	err := a.do(ctx, func() error {
		if a.room.State != models.StateLobby && a.room.State != models.StateFunding {
			return fmt.Errorf("room: %s not joinable in state %s", a.room.ID, a.room.State)
		}
		for _, s := range a.room.Seats {
			if s.WalletAddress == walletAddress {
				return fmt.Errorf("room: wallet already seated at index %d", s.Index)
			}
		}
		var target *models.Seat
		for _, s := range a.room.Seats {
			if s.WalletAddress == "" {
				target = s
				break
			}
		}
		if target == nil {
			return fmt.Errorf("room: %s has no empty seat", a.room.ID)
		}

		target.WalletAddress = walletAddress
		addr, err := a.mgr.wallet.SeatDepositAddress(a.room.ID, target.Index)
		if err != nil {
			return fmt.Errorf("room: derive deposit address: %w", err)
		}
		target.DepositAddress = addr

		a.room.UpdatedAt = time.Now()
		if a.room.State == models.StateLobby {
			a.transitionTo(ctx, models.StateFunding, "first join")
		} else {
			a.persist(ctx)
		}
		a.publish("room:assigned", target)
		result = target
		return nil
	})
	return result, err
}

// leaveSeat clears walletAddress's seat while the room is still
// LOBBY/FUNDING (§4.6 "leave_room ... Removes seat if state permits").
// A seat with a confirmed deposit can't be vacated this way — the
// wallet already has funds in flight at that seat's address, so
// leaving is only offered before a deposit lands.
func (a *Actor) leaveSeat(ctx context.Context, walletAddress string) error {
	return a.do(ctx, func() error {
		if a.room.State != models.StateLobby && a.room.State != models.StateFunding {
			return fmt.Errorf("room: %s not leavable in state %s", a.room.ID, a.room.State)
		}
		for _, s := range a.room.Seats {
			if s.WalletAddress == walletAddress {
				if s.Confirmed {
					return fmt.Errorf("room: seat %d already has a confirmed deposit", s.Index)
				}
				s.WalletAddress = ""
				s.DepositAddress = ""
				s.ClientSeed = ""
				a.room.UpdatedAt = time.Now()
				a.persist(ctx)
				a.publish("room:update", a.room)
				return nil
			}
		}
		return fmt.Errorf("room: wallet not seated in room %s", a.room.ID)
	})
}

func (a *Actor) submitClientSeed(seatIndex int, clientSeed string) error {
	return a.do(context.Background(), func() error {
		if seatIndex < 0 || seatIndex >= len(a.room.Seats) {
			return fmt.Errorf("room: seat %d out of range", seatIndex)
		}
		seat := a.room.Seats[seatIndex]
		if seat.WalletAddress == "" {
			return fmt.Errorf("room: seat %d is empty", seatIndex)
		}
		seat.ClientSeed = clientSeed
		a.persist(context.Background())
		return nil
	})
}

// confirmDeposit implements the Deposit Monitor's call into the Room
// Manager (§4.4) and the FUNDING → LOCKED transition (§4.3).
func (a *Actor) confirmDeposit(ctx context.Context, seatIndex int, depositTxID string, amount int64) error {
	return a.do(ctx, func() error {
		if seatIndex < 0 || seatIndex >= len(a.room.Seats) {
			return fmt.Errorf("room: seat %d out of range", seatIndex)
		}
		seat := a.room.Seats[seatIndex]
		if seat.Confirmed {
			// Monotonic: a seat confirms at most once (§5 ordering guarantee).
			return nil
		}
		if amount < a.room.SeatPrice {
			return fmt.Errorf("room: seat %d underpaid: %d < %d", seatIndex, amount, a.room.SeatPrice)
		}
		now := time.Now()
		seat.Confirmed = true
		seat.ConfirmedAt = &now
		seat.DepositTxID = depositTxID
		seat.Amount = amount
		seat.Alive = true
		a.persist(ctx)
		a.publish("room:update", a.room)

		allConfirmed := true
		for _, s := range a.room.Seats {
			if !s.Confirmed {
				allConfirmed = false
				break
			}
		}
		if allConfirmed && a.room.State == models.StateFunding {
			a.lockRoom(ctx)
		}
		return nil
	})
}

func (a *Actor) lockRoom(ctx context.Context) {
	tip, err := a.mgr.chain.GetTip(ctx)
	if err != nil {
		log.Printf("[RoomManager] room=%s lock: chain tip unavailable, will retry via sweep: %v", a.room.ID, err)
		return
	}
	height := tip.DAAScore
	settlement := height + a.mgr.cfg.SettlementBlockOffset
	a.room.LockHeight = &height
	a.room.SettlementBlockHeight = &settlement
	a.transitionTo(ctx, models.StateLocked, "all seats confirmed")
}

// checkExpiry implements "LOBBY/FUNDING → ABORTED: on now > expiresAt".
func (a *Actor) checkExpiry(ctx context.Context) {
	a.post(func() {
		if a.room.State != models.StateLobby && a.room.State != models.StateFunding {
			return
		}
		if time.Now().Before(a.room.ExpiresAt) {
			return
		}
		a.abort(ctx, "funding window expired")
	})
}

func (a *Actor) abort(ctx context.Context, reason string) {
	a.transitionTo(ctx, models.StateAborted, reason)
	for _, s := range a.room.Seats {
		if !s.Confirmed {
			continue
		}
		s := s
		txID, err := a.mgr.wallet.ExecuteRefund(ctx, walletgw.RefundPlan{
			RoomID:    a.room.ID,
			SeatIndex: s.Index,
			Address:   s.WalletAddress,
			Amount:    s.Amount,
		})
		a.room.RefundTxIDs = append(a.room.RefundTxIDs, txID)
		if a.mgr.store != nil {
			_ = a.mgr.store.AppendRefund(ctx, models.Refund{
				RoomID:    a.room.ID,
				SeatIndex: s.Index,
				Address:   s.WalletAddress,
				Amount:    s.Amount,
				TxID:      txID,
				CreatedAt: time.Now(),
			})
		}
		if err != nil {
			log.Printf("[RoomManager] room=%s seat=%d refund failed: %v", a.room.ID, s.Index, err)
		}
	}
	a.persist(ctx)
	a.publish("room:update", a.room)
}

// checkSettlementReady implements "LOCKED → PLAYING: when
// currentTip().daaScore >= settlementBlockHeight".
func (a *Actor) checkSettlementReady(ctx context.Context) {
	a.post(func() {
		if a.room.State != models.StateLocked {
			return
		}
		tip, err := a.mgr.chain.GetTip(ctx)
		if err != nil {
			return
		}
		if a.room.SettlementBlockHeight == nil || tip.DAAScore < *a.room.SettlementBlockHeight {
			return
		}
		hash, err := a.mgr.chain.GetBlockHash(ctx, *a.room.SettlementBlockHeight)
		if err != nil {
			log.Printf("[RoomManager] room=%s settlement block hash unavailable: %v", a.room.ID, err)
			return
		}
		a.room.SettlementBlockHash = hash
		a.startPlaying(ctx)
	})
}

func (a *Actor) startPlaying(ctx context.Context) {
	a.turnOrderSeats = turnOrder(a.room.Seats)
	a.initialAlive = len(a.turnOrderSeats)
	a.roundsPlayed = 0
	if len(a.turnOrderSeats) == 0 {
		a.abort(ctx, "no confirmed seats at settlement")
		return
	}
	first := a.turnOrderSeats[0]
	a.room.CurrentTurnSeatIndex = &first
	a.transitionTo(ctx, models.StatePlaying, "settlement block observed")
	a.startTurn(ctx)
}

// resumeTurnTimer rehydrates a PLAYING room's turn timer after restart
// (§4.3 "In-flight PLAYING rooms resume from their last persisted turn").
func (a *Actor) resumeTurnTimer() {
	a.post(func() {
		a.turnOrderSeats = turnOrder(a.room.Seats)
		a.initialAlive = len(a.room.Seats)
		a.roundsPlayed = len(a.room.Rounds)
		a.startTurn(context.Background())
	})
}

func (a *Actor) startTurn(ctx context.Context) {
	a.room.TurnID++
	a.persist(ctx)
	a.publish("turn:start", map[string]interface{}{"seatIndex": *a.room.CurrentTurnSeatIndex, "turnId": a.room.TurnID})

	deadline := time.Now().Add(time.Duration(a.mgr.cfg.TurnTimeoutSeconds) * time.Second)
	a.publish("turn:timer_start", map[string]interface{}{
		"turnId":   a.room.TurnID,
		"deadline": deadline,
		"timeout":  a.mgr.cfg.TurnTimeoutSeconds,
	})

	if a.turnTimer != nil {
		a.turnTimer.Stop()
	}
	turnID := a.room.TurnID
	a.turnTimer = time.AfterFunc(time.Until(deadline), func() {
		a.post(func() {
			if a.room.TurnID != turnID || a.room.State != models.StatePlaying {
				return // superseded by a voluntary pull already
			}
			a.resolve(ctx)
		})
	})
}

// pullTrigger is the client-initiated resolve path.
func (a *Actor) pullTrigger(ctx context.Context, seatIndex int, forced bool) error {
	return a.do(ctx, func() error {
		if a.room.State != models.StatePlaying {
			return fmt.Errorf("room: %s not playing", a.room.ID)
		}
		if a.room.CurrentTurnSeatIndex == nil || *a.room.CurrentTurnSeatIndex != seatIndex {
			return fmt.Errorf("room: seat %d is not the current shooter", seatIndex)
		}
		a.resolve(ctx)
		return nil
	})
}

// resolve implements the Resolve procedure (§4.3).
func (a *Actor) resolve(ctx context.Context) {
	if a.turnTimer != nil {
		a.turnTimer.Stop()
	}

	shooterIdx := *a.room.CurrentTurnSeatIndex
	aliveSeats := aliveInOrder(a.room.Seats, a.turnOrderSeats)
	aliveOrderPos := indexOf(aliveSeats, shooterIdx)
	if aliveOrderPos < 0 {
		log.Printf("[RoomManager] room=%s invariant violation: current shooter %d is not alive", a.room.ID, shooterIdx)
		return
	}

	var clientSeeds []string
	for _, s := range a.room.Seats {
		if s.ClientSeed != "" {
			clientSeeds = append(clientSeeds, s.ClientSeed)
		}
	}

	digest, err := rng.DeriveRandomness(rng.DeriveRoundInput{
		ServerSeedHex:       a.room.ServerSeed,
		ClientSeeds:         clientSeeds,
		RoomID:              a.room.ID,
		RoundIndex:          len(a.room.Rounds),
		SettlementBlockHash: a.room.SettlementBlockHash,
	})
	if err != nil {
		log.Printf("[RoomManager] room=%s invariant violation: cannot derive round randomness: %v", a.room.ID, err)
		return
	}

	chamber, err := rng.EliminationDraw(digest, len(aliveSeats))
	if err != nil {
		log.Printf("[RoomManager] room=%s invariant violation: elimination draw failed: %v", a.room.ID, err)
		return
	}
	died := rng.ShooterDies(chamber, aliveOrderPos)

	round := &models.Round{
		Index:            len(a.room.Rounds),
		ShooterSeatIndex: shooterIdx,
		TargetSeatIndex:  shooterIdx,
		Died:             died,
		Randomness:       digest,
		Timestamp:        time.Now(),
	}
	a.room.Rounds = append(a.room.Rounds, round)
	a.roundsPlayed++
	if died {
		a.room.Seats[shooterIdx].Alive = false
	}
	a.persist(ctx)
	a.publish("round:result", round)

	stillAlive := aliveInOrder(a.room.Seats, a.turnOrderSeats)
	budgetExhausted := a.room.Mode == models.ModeExtreme && a.roundsPlayed >= a.initialAlive-1
	if len(stillAlive) < 2 || budgetExhausted {
		a.settle(ctx, stillAlive)
		return
	}

	next := nextAliveAfter(a.turnOrderSeats, a.room.Seats, shooterIdx)
	a.room.CurrentTurnSeatIndex = &next
	a.startTurn(ctx)
}

func (a *Actor) settle(ctx context.Context, survivors []int) {
	pot := a.room.SeatPrice * int64(a.initialAlive)
	houseCut := pot * int64(a.room.HouseCutPercent) / 100
	remainder := pot - houseCut

	if len(survivors) == 0 {
		// No seat left alive: there is no payee, so nothing is
		// submitted and the failure sentinel is recorded. resolve never
		// passes an empty list — it settles once fewer than two seats
		// are alive, and a round eliminates at most the shooter.
		a.room.PayoutTxID = models.PayoutFailedSentinel
		a.transitionTo(ctx, models.StateSettled, "no survivors")
		return
	}

	share := remainder / int64(len(survivors))
	leftover := remainder - share*int64(len(survivors))

	// survivors already arrives in turn order (see aliveInOrder); do
	// not re-sort by seat index, or the remainder unit stops going to
	// the first survivor in turn order.
	payees := make([]models.Payee, len(survivors))
	for i, seatIdx := range survivors {
		amt := share
		if i == 0 {
			amt += leftover // first survivor in turn order takes the remainder unit
		}
		payees[i] = models.Payee{Address: a.room.Seats[seatIdx].WalletAddress, Amount: amt}
	}

	txID, err := a.mgr.wallet.ExecutePayout(ctx, walletgw.PayoutPlan{
		RoomID:          a.room.ID,
		HouseCutAddress: a.mgr.cfg.TreasuryAddress,
		HouseCut:        houseCut,
		Payees:          payees,
	})
	a.room.PayoutTxID = txID
	if a.mgr.store != nil {
		_ = a.mgr.store.AppendPayout(ctx, models.Payout{
			RoomID:    a.room.ID,
			TxID:      txID,
			HouseCut:  houseCut,
			Payees:    payees,
			CreatedAt: time.Now(),
		})
	}
	if err != nil {
		log.Printf("[RoomManager] room=%s payout failed permanently: %v", a.room.ID, err)
	}
	a.transitionTo(ctx, models.StateSettled, "round budget / survivor condition reached")
	a.publish("payout:sent", map[string]interface{}{"txId": txID, "houseCut": houseCut, "payees": payees})
}

func aliveInOrder(seats []*models.Seat, order []int) []int {
	out := make([]int, 0, len(order))
	for _, idx := range order {
		if seats[idx].Alive {
			out = append(out, idx)
		}
	}
	return out
}

func indexOf(xs []int, v int) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

// nextAliveAfter walks the fixed turn order starting just after
// current, wrapping, and returns the first seat still alive — so a
// shooter who just died is skipped in favor of the next living seat
// in the original order, not a re-indexed "alive-only" rotation.
func nextAliveAfter(order []int, seats []*models.Seat, current int) int {
	pos := indexOf(order, current)
	if pos < 0 {
		pos = 0
	}
	n := len(order)
	for i := 1; i <= n; i++ {
		cand := order[(pos+i)%n]
		if seats[cand].Alive {
			return cand
		}
	}
	return current
}
