// Package models holds the wire/DB-shape types shared across the
// engine: rooms, seats, rounds, and the payloads that cross the
// WebSocket and REST boundaries.
package models

import "time"

// Mode selects the payout/elimination variant of a room.
type Mode string

const (
	ModeRegular Mode = "REGULAR"
	ModeExtreme Mode = "EXTREME"
)

// State is a Room's position in the lifecycle state machine (§4.3).
type State string

const (
	StateLobby    State = "LOBBY"
	StateFunding  State = "FUNDING"
	StateLocked   State = "LOCKED"
	StatePlaying  State = "PLAYING"
	StateSettled  State = "SETTLED"
	StateAborted  State = "ABORTED"
)

// PayoutFailedSentinel is recorded on Room.PayoutTxID when the payout
// transaction fails terminally after the retry ceiling (§4.2, §7).
const PayoutFailedSentinel = "payout_failed"

// Room is the aggregate root described in spec.md §3.
type Room struct {
	ID                    string     `json:"id"`
	Mode                  Mode       `json:"mode"`
	State                 State      `json:"state"`
	SeatPrice             int64      `json:"seatPrice"` // integer sompi
	MaxPlayers            int        `json:"maxPlayers"`
	MinPlayers            int        `json:"minPlayers"`
	HouseCutPercent       int        `json:"houseCutPercent"`
	ServerCommit          string     `json:"serverCommit"` // hex SHA-256(serverSeed)
	ServerSeed            string     `json:"serverSeed,omitempty"`
	LockHeight            *uint64    `json:"lockHeight,omitempty"`
	SettlementBlockHeight *uint64    `json:"settlementBlockHeight,omitempty"`
	SettlementBlockHash   string     `json:"settlementBlockHash,omitempty"`
	CurrentTurnSeatIndex  *int       `json:"currentTurnSeatIndex,omitempty"`
	PayoutTxID            string     `json:"payoutTxId,omitempty"`
	RefundTxIDs           []string   `json:"refundTxIds,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	ExpiresAt             time.Time  `json:"expiresAt"`

	Seats  []*Seat  `json:"seats"`
	Rounds []*Round `json:"rounds"`

	// TurnID is the per-room monotonic counter required by §5's
	// ordering guarantee ("turnId is a per-room monotonic counter").
	TurnID uint64 `json:"turnId,omitempty"`
}

// Seat is identified by (roomId, index) — spec.md §3.
type Seat struct {
	Index          int        `json:"index"`
	WalletAddress  string     `json:"walletAddress,omitempty"`
	DepositAddress string     `json:"depositAddress"`
	DepositTxID    string     `json:"depositTxId,omitempty"`
	Amount         int64      `json:"amount"`
	Confirmed      bool       `json:"confirmed"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	ClientSeed     string     `json:"clientSeed,omitempty"`
	Alive          bool       `json:"alive"`
}

// Round is an append-only per-room log entry — spec.md §3.
type Round struct {
	Index            int       `json:"index"`
	ShooterSeatIndex int       `json:"shooterSeatIndex"`
	TargetSeatIndex  int       `json:"targetSeatIndex"`
	Died             bool      `json:"died"`
	Randomness       string    `json:"randomness"` // hex HMAC output
	Timestamp        time.Time `json:"timestamp"`
}

// Refund records a single reimbursement issued on ABORT.
type Refund struct {
	RoomID    string    `json:"roomId"`
	SeatIndex int       `json:"seatIndex"`
	Address   string    `json:"address"`
	Amount    int64     `json:"amount"`
	TxID      string    `json:"txId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Payout records the single pooled-stake disbursement issued on
// SETTLE.
type Payout struct {
	RoomID    string    `json:"roomId"`
	TxID      string    `json:"txId"`
	HouseCut  int64     `json:"houseCut"`
	Payees    []Payee   `json:"payees"`
	CreatedAt time.Time `json:"createdAt"`
}

// Payee is one output of the aggregate payout transaction.
type Payee struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// AuditEntry is an immutable record of a room state transition,
// grounded on the teacher's append-only evidence-edge insert pattern.
type AuditEntry struct {
	RoomID    string    `json:"roomId"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
