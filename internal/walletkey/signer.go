// Package walletkey is the narrow adapter boundary around the
// wallet/key-derivation library named in spec.md §1. Wallet Gateway
// orchestration (internal/walletgw) depends only on the Signer
// interface below, never on hdkeychain/btcec directly, so the
// derivation backend can be swapped without touching payout/refund
// logic.
package walletkey

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/hdkeychain"
	"github.com/tyler-smith/go-bip39"
)

// Purpose and coin-type constants for the m / purpose' / coin' /
// account' / change / index hierarchy (§4.2). There is no registered
// SLIP-44 coin type for Kaspa in this tree, so a private-use value is
// pinned here — it only has to be internally consistent.
const (
	hardenedOffset = hdkeychain.HardenedKeyStart
	purposeIndex   = 44 + hardenedOffset
	coinTypeIndex  = 111111 + hardenedOffset

	changeExternal = 0
)

// KeyPair is a derived address and the private key behind it.
type KeyPair struct {
	Address string
	Priv    *btcec.PrivateKey
}

// Signer derives deterministic, collision-free per-seat keys and
// signs outgoing transactions. Exactly one Signer exists per running
// engine, seeded once from the operator's mnemonic at startup.
type Signer interface {
	// DeriveRoomKey returns the room-level signing key, used to sign
	// the room's own payout/refund transactions. Deterministic in
	// roomID alone (§4.2 "room signing key").
	DeriveRoomKey(roomID string) (*KeyPair, error)

	// DeriveSeat returns seat k's deposit key within roomID.
	// Collision-free across rooms and seats (§4.2 "deriveSeat(roomId, k)").
	DeriveSeat(roomID string, seatIndex int) (*KeyPair, error)

	// Sign produces a signature over digest using priv.
	Sign(priv *btcec.PrivateKey, digest []byte) ([]byte, error)
}

// HDSigner is the default Signer, backed by a BIP32 extended key
// hierarchy seeded from a BIP39 mnemonic. Grounded on the pack's
// in-memory wallet pattern (hdRoot *hdkeychain.ExtendedKey plus an
// incrementing derivation index), generalized here to a deterministic
// per-room account index instead of a monotonic counter, because two
// engine restarts must re-derive the exact same seat addresses for
// the same room (§4.2 "MUST be deterministic and collision-free").
type HDSigner struct {
	net    *chaincfg.Params
	mu     sync.Mutex
	root   *hdkeychain.ExtendedKey
	cache  map[string]*hdkeychain.ExtendedKey // roomID -> account-level key
}

// NewHDSigner seeds the hierarchy from a BIP39 mnemonic and an
// optional passphrase. net is used only to build the master key;
// derived addresses are always encoded with chaincfg.MainNetParams
// (see keyPairFrom), so they do not change with net.
func NewHDSigner(mnemonic, passphrase string, net *chaincfg.Params) (*HDSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("walletkey: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	root, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive master key: %w", err)
	}
	return &HDSigner{
		net:   net,
		root:  root,
		cache: make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// roomAccountIndex hashes roomID into a hardened account index.
// SHA-256 rather than FNV: a cryptographic hash all but eliminates an
// accidental collision between two live rooms sharing an account
// index.
func roomAccountIndex(roomID string) uint32 {
	sum := sha256.Sum256([]byte(roomID))
	n := binary.BigEndian.Uint32(sum[:4])
	// Clear the top bit before re-setting it via hardenedOffset so
	// the addition below can't overflow uint32.
	return (n &^ (1 << 31)) + hardenedOffset
}

func (s *HDSigner) roomAccountKey(roomID string) (*hdkeychain.ExtendedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.cache[roomID]; ok {
		return k, nil
	}

	purpose, err := s.root.Derive(purposeIndex)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive purpose: %w", err)
	}
	coinType, err := purpose.Derive(coinTypeIndex)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive coin type: %w", err)
	}
	account, err := coinType.Derive(roomAccountIndex(roomID))
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive account for room %s: %w", roomID, err)
	}

	s.cache[roomID] = account
	return account, nil
}

func keyPairFrom(ext *hdkeychain.ExtendedKey) (*KeyPair, error) {
	priv, err := ext.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("walletkey: extract private key: %w", err)
	}
	addr, err := ext.Address(&chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive address: %w", err)
	}
	return &KeyPair{Address: addr.EncodeAddress(), Priv: priv}, nil
}

// DeriveRoomKey implements Signer. The room's own signing key sits at
// the account's external chain, index 0 — seat derivation below starts
// at index 1 so the two never collide.
func (s *HDSigner) DeriveRoomKey(roomID string) (*KeyPair, error) {
	account, err := s.roomAccountKey(roomID)
	if err != nil {
		return nil, err
	}
	change, err := account.Derive(changeExternal)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive change: %w", err)
	}
	roomKey, err := change.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive room key: %w", err)
	}
	return keyPairFrom(roomKey)
}

// DeriveSeat implements Signer. seatIndex is offset by 1 to reserve
// index 0 for the room key.
func (s *HDSigner) DeriveSeat(roomID string, seatIndex int) (*KeyPair, error) {
	if seatIndex < 0 {
		return nil, fmt.Errorf("walletkey: negative seat index %d", seatIndex)
	}
	account, err := s.roomAccountKey(roomID)
	if err != nil {
		return nil, err
	}
	change, err := account.Derive(changeExternal)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive change: %w", err)
	}
	seatKey, err := change.Derive(uint32(seatIndex) + 1)
	if err != nil {
		return nil, fmt.Errorf("walletkey: derive seat %d for room %s: %w", seatIndex, roomID, err)
	}
	return keyPairFrom(seatKey)
}

// Sign produces a DER-encoded ECDSA signature over digest. No Kaspa
// (Schnorr) signature format is produced anywhere in this tree;
// chainrpc submits the signed string as it receives it.
func (s *HDSigner) Sign(priv *btcec.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("walletkey: digest must be 32 bytes, got %d", len(digest))
	}
	sig := ecdsa.Sign(priv, digest)
	return sig.Serialize(), nil
}
