// Package store is the Postgres persistence layer implementing
// internal/room's Store boundary (§6 "Persistence layout") plus the
// supplemented audit log and verifier read path.
//
// Grounded on the teacher's internal/db/postgres.go: pgxpool.Pool,
// transactional multi-table writes, ON CONFLICT DO UPDATE upserts,
// and a schema.sql file loaded with os.ReadFile at InitSchema time.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/roulette-engine/pkg/models"
)

// Store wraps a pgx connection pool. Satisfies internal/room.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and verifies it with a ping,
// mirroring the teacher's Connect.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: unable to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}
	log.Println("[Store] connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql, mirroring the teacher's
// InitSchema.
func (s *Store) InitSchema(ctx context.Context, schemaPath string) error {
	if schemaPath == "" {
		schemaPath = "internal/store/schema.sql"
	}
	schemaBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	log.Println("[Store] schema applied")
	return nil
}

// SaveRoom upserts the room row and every seat row, and inserts any
// round not yet stored (existing rounds are left as they are), in one
// transaction, matching §6's "atomic updates per room" contract —
// grounded on the teacher's Begin/defer-Rollback/Commit shape in
// SaveAnalysisResult.
func (s *Store) SaveRoom(ctx context.Context, r *models.Room) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	refundTxIDs, err := json.Marshal(r.RefundTxIDs)
	if err != nil {
		return fmt.Errorf("store: marshal refundTxIds: %w", err)
	}

	roomSQL := `
		INSERT INTO rooms (id, mode, state, seat_price, max_players, min_players,
			house_cut_percent, server_commit, server_seed, lock_height,
			settlement_block_height, settlement_block_hash, current_turn_seat_index,
			turn_id, payout_tx_id, refund_tx_ids, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			state = EXCLUDED.state,
			seat_price = EXCLUDED.seat_price,
			max_players = EXCLUDED.max_players,
			min_players = EXCLUDED.min_players,
			house_cut_percent = EXCLUDED.house_cut_percent,
			server_commit = EXCLUDED.server_commit,
			server_seed = EXCLUDED.server_seed,
			lock_height = EXCLUDED.lock_height,
			settlement_block_height = EXCLUDED.settlement_block_height,
			settlement_block_hash = EXCLUDED.settlement_block_hash,
			current_turn_seat_index = EXCLUDED.current_turn_seat_index,
			turn_id = EXCLUDED.turn_id,
			payout_tx_id = EXCLUDED.payout_tx_id,
			refund_tx_ids = EXCLUDED.refund_tx_ids,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = tx.Exec(ctx, roomSQL,
		r.ID, r.Mode, r.State, r.SeatPrice, r.MaxPlayers, r.MinPlayers,
		r.HouseCutPercent, r.ServerCommit, nullableString(r.ServerSeed), r.LockHeight,
		r.SettlementBlockHeight, nullableString(r.SettlementBlockHash), r.CurrentTurnSeatIndex,
		r.TurnID, nullableString(r.PayoutTxID), refundTxIDs, r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert room: %w", err)
	}

	for _, seat := range r.Seats {
		seatSQL := `
			INSERT INTO seats (room_id, index, wallet_address, deposit_address,
				deposit_tx_id, amount, confirmed, confirmed_at, client_seed, alive)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (room_id, index) DO UPDATE SET
				wallet_address = EXCLUDED.wallet_address,
				deposit_address = EXCLUDED.deposit_address,
				deposit_tx_id = EXCLUDED.deposit_tx_id,
				amount = EXCLUDED.amount,
				confirmed = EXCLUDED.confirmed,
				confirmed_at = EXCLUDED.confirmed_at,
				client_seed = EXCLUDED.client_seed,
				alive = EXCLUDED.alive;
		`
		_, err = tx.Exec(ctx, seatSQL,
			r.ID, seat.Index, nullableString(seat.WalletAddress), nullableString(seat.DepositAddress),
			nullableString(seat.DepositTxID), seat.Amount, seat.Confirmed, seat.ConfirmedAt,
			nullableString(seat.ClientSeed), seat.Alive,
		)
		if err != nil {
			return fmt.Errorf("store: upsert seat %d: %w", seat.Index, err)
		}
	}

	for _, round := range r.Rounds {
		roundSQL := `
			INSERT INTO rounds (room_id, index, shooter_seat_index, target_seat_index,
				died, randomness, timestamp)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (room_id, index) DO NOTHING;
		`
		_, err = tx.Exec(ctx, roundSQL,
			r.ID, round.Index, round.ShooterSeatIndex, round.TargetSeatIndex,
			round.Died, round.Randomness, round.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("store: insert round %d: %w", round.Index, err)
		}
	}

	return tx.Commit(ctx)
}

// LoadNonTerminalRooms reads every room not in SETTLED/ABORTED, with
// its seats and rounds, for Room Manager recovery on restart (§5
// "Cancellation & timeouts ... deadlines are re-hydrated from
// storage").
func (s *Store) LoadNonTerminalRooms(ctx context.Context) ([]*models.Room, error) {
	roomSQL := `
		SELECT id, mode, state, seat_price, max_players, min_players, house_cut_percent,
			server_commit, server_seed, lock_height, settlement_block_height,
			settlement_block_hash, current_turn_seat_index, turn_id, payout_tx_id,
			refund_tx_ids, created_at, updated_at, expires_at
		FROM rooms
		WHERE state NOT IN ('SETTLED', 'ABORTED')
		ORDER BY created_at ASC;
	`
	rows, err := s.pool.Query(ctx, roomSQL)
	if err != nil {
		return nil, fmt.Errorf("store: query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		r := &models.Room{}
		var serverSeed, settlementHash, payoutTxID *string
		var refundTxIDs []byte
		if err := rows.Scan(
			&r.ID, &r.Mode, &r.State, &r.SeatPrice, &r.MaxPlayers, &r.MinPlayers, &r.HouseCutPercent,
			&r.ServerCommit, &serverSeed, &r.LockHeight, &r.SettlementBlockHeight,
			&settlementHash, &r.CurrentTurnSeatIndex, &r.TurnID, &payoutTxID,
			&refundTxIDs, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		r.ServerSeed = deref(serverSeed)
		r.SettlementBlockHash = deref(settlementHash)
		r.PayoutTxID = deref(payoutTxID)
		if len(refundTxIDs) > 0 {
			if err := json.Unmarshal(refundTxIDs, &r.RefundTxIDs); err != nil {
				return nil, fmt.Errorf("store: unmarshal refundTxIds: %w", err)
			}
		}
		rooms = append(rooms, r)
	}

	for _, r := range rooms {
		seats, err := s.loadSeats(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Seats = seats

		rounds, err := s.loadRounds(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Rounds = rounds
	}

	return rooms, nil
}

func (s *Store) loadSeats(ctx context.Context, roomID string) ([]*models.Seat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT index, wallet_address, deposit_address, deposit_tx_id, amount,
			confirmed, confirmed_at, client_seed, alive
		FROM seats WHERE room_id = $1 ORDER BY index ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: query seats for %s: %w", roomID, err)
	}
	defer rows.Close()

	var seats []*models.Seat
	for rows.Next() {
		seat := &models.Seat{}
		var wallet, depositAddr, depositTx, clientSeed *string
		if err := rows.Scan(&seat.Index, &wallet, &depositAddr, &depositTx, &seat.Amount,
			&seat.Confirmed, &seat.ConfirmedAt, &clientSeed, &seat.Alive); err != nil {
			return nil, fmt.Errorf("store: scan seat: %w", err)
		}
		seat.WalletAddress = deref(wallet)
		seat.DepositAddress = deref(depositAddr)
		seat.DepositTxID = deref(depositTx)
		seat.ClientSeed = deref(clientSeed)
		seats = append(seats, seat)
	}
	return seats, nil
}

func (s *Store) loadRounds(ctx context.Context, roomID string) ([]*models.Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT index, shooter_seat_index, target_seat_index, died, randomness, timestamp
		FROM rounds WHERE room_id = $1 ORDER BY index ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: query rounds for %s: %w", roomID, err)
	}
	defer rows.Close()

	var rounds []*models.Round
	for rows.Next() {
		round := &models.Round{}
		if err := rows.Scan(&round.Index, &round.ShooterSeatIndex, &round.TargetSeatIndex,
			&round.Died, &round.Randomness, &round.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan round: %w", err)
		}
		rounds = append(rounds, round)
	}
	return rounds, nil
}

// AppendAudit inserts an immutable room-transition record, grounded on
// the teacher's evidence_edge batch-insert pattern.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_audit (room_id, from_state, to_state, reason, timestamp)
		VALUES ($1,$2,$3,$4,$5);
	`, entry.RoomID, entry.From, entry.To, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AppendRefund inserts one refund record.
func (s *Store) AppendRefund(ctx context.Context, refund models.Refund) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refunds (room_id, seat_index, address, amount, tx_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6);
	`, refund.RoomID, refund.SeatIndex, refund.Address, refund.Amount, refund.TxID, refund.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append refund: %w", err)
	}
	return nil
}

// AppendPayout inserts the single settlement payout record.
func (s *Store) AppendPayout(ctx context.Context, payout models.Payout) error {
	payees, err := json.Marshal(payout.Payees)
	if err != nil {
		return fmt.Errorf("store: marshal payees: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payouts (room_id, tx_id, house_cut, payees, created_at)
		VALUES ($1,$2,$3,$4,$5);
	`, payout.RoomID, payout.TxID, payout.HouseCut, payees, payout.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append payout: %w", err)
	}
	return nil
}

// VerificationBundle is everything Scenario E needs to recompute and
// check a settled or aborted room's fairness proof — the supplemented
// verifier endpoint, grounded on the teacher's read-path GetMixers.
type VerificationBundle struct {
	Room   *models.Room    `json:"room"`
	Audit  []models.AuditEntry `json:"audit"`
	Payout *models.Payout  `json:"payout,omitempty"`
}

// LoadVerificationBundle assembles a VerificationBundle for roomID.
func (s *Store) LoadVerificationBundle(ctx context.Context, roomID string) (*VerificationBundle, error) {
	r, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}

	audit, err := s.loadAudit(ctx, roomID)
	if err != nil {
		return nil, err
	}

	payout, err := s.loadPayout(ctx, roomID)
	if err != nil {
		return nil, err
	}

	return &VerificationBundle{Room: r, Audit: audit, Payout: payout}, nil
}

func (s *Store) loadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	r := &models.Room{}
	var serverSeed, settlementHash, payoutTxID *string
	var refundTxIDs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, mode, state, seat_price, max_players, min_players, house_cut_percent,
			server_commit, server_seed, lock_height, settlement_block_height,
			settlement_block_hash, current_turn_seat_index, turn_id, payout_tx_id,
			refund_tx_ids, created_at, updated_at, expires_at
		FROM rooms WHERE id = $1;
	`, roomID).Scan(
		&r.ID, &r.Mode, &r.State, &r.SeatPrice, &r.MaxPlayers, &r.MinPlayers, &r.HouseCutPercent,
		&r.ServerCommit, &serverSeed, &r.LockHeight, &r.SettlementBlockHeight,
		&settlementHash, &r.CurrentTurnSeatIndex, &r.TurnID, &payoutTxID,
		&refundTxIDs, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load room %s: %w", roomID, err)
	}
	r.ServerSeed = deref(serverSeed)
	r.SettlementBlockHash = deref(settlementHash)
	r.PayoutTxID = deref(payoutTxID)
	if len(refundTxIDs) > 0 {
		if err := json.Unmarshal(refundTxIDs, &r.RefundTxIDs); err != nil {
			return nil, fmt.Errorf("store: unmarshal refundTxIds: %w", err)
		}
	}

	seats, err := s.loadSeats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.Seats = seats

	rounds, err := s.loadRounds(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.Rounds = rounds

	return r, nil
}

func (s *Store) loadAudit(ctx context.Context, roomID string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, from_state, to_state, reason, timestamp
		FROM room_audit WHERE room_id = $1 ORDER BY id ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: query audit for %s: %w", roomID, err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var reason *string
		if err := rows.Scan(&e.RoomID, &e.From, &e.To, &reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		e.Reason = deref(reason)
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) loadPayout(ctx context.Context, roomID string) (*models.Payout, error) {
	var p models.Payout
	var payees []byte
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, tx_id, house_cut, payees, created_at
		FROM payouts WHERE room_id = $1 ORDER BY id DESC LIMIT 1;
	`, roomID).Scan(&p.RoomID, &p.TxID, &p.HouseCut, &payees, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load payout for %s: %w", roomID, err)
	}
	if err := json.Unmarshal(payees, &p.Payees); err != nil {
		return nil, fmt.Errorf("store: unmarshal payees: %w", err)
	}
	return &p, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
