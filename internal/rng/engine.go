// Package rng implements the commit-reveal fair-random-number
// generator described in spec.md §4.1. Every function here is pure —
// no I/O, no locks — so it can never be the thing that blocks a room
// actor.
package rng

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrMissingSeed is returned when a round is derived before the
// server seed has been committed.
var ErrMissingSeed = errors.New("rng: server seed not set")

// ErrNoClientSeeds is returned when a round is derived with no
// client seeds submitted — fatal for the round per §4.1 "Failure".
var ErrNoClientSeeds = errors.New("rng: no client seeds submitted")

// ErrMissingSettlementHash is returned when a round is derived before
// the settlement block hash has been observed.
var ErrMissingSettlementHash = errors.New("rng: settlement block hash not set")

// NewServerSeed generates 32 bytes of cryptographic randomness for
// the server seed and returns it alongside its SHA-256 commit, both
// hex-encoded. Called once at room creation (§4.1 "Commit").
func NewServerSeed() (seed string, commit string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("rng: generate server seed: %w", err)
	}
	seed = hex.EncodeToString(buf)
	commit = CommitFor(seed)
	return seed, commit, nil
}

// CommitFor returns the hex SHA-256 digest of a hex-encoded seed.
// Used both to publish the initial commit and, on reveal, to let a
// verifier recompute it (§4.1 "Reveal", Testable Property "Commit-reveal").
func CommitFor(hexSeed string) string {
	sum := sha256.Sum256([]byte(hexSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommit reports whether SHA-256(seed) == commit, both hex.
func VerifyCommit(hexSeed, commit string) bool {
	return CommitFor(hexSeed) == commit
}

// DeriveRoundInput bundles everything the per-round HMAC needs.
type DeriveRoundInput struct {
	ServerSeedHex       string
	ClientSeeds         []string
	RoomID              string
	RoundIndex          int
	SettlementBlockHash string
}

// DeriveRandomness computes round r's randomness per spec.md §4.1:
//
//	sorted   = lexicographic-sort(clientSeeds as lowercase hex strings)
//	message  = join(sorted ++ [R.id, decimal(r), B], '|')
//	digest_r = HMAC-SHA-256(key = serverSeed, data = message)
//
// Returns the hex-encoded digest, which is stored verbatim as the
// round's Randomness field.
func DeriveRandomness(in DeriveRoundInput) (string, error) {
	if in.ServerSeedHex == "" {
		return "", ErrMissingSeed
	}
	if len(in.ClientSeeds) == 0 {
		return "", ErrNoClientSeeds
	}
	if in.SettlementBlockHash == "" {
		return "", ErrMissingSettlementHash
	}

	sorted := make([]string, len(in.ClientSeeds))
	for i, s := range in.ClientSeeds {
		sorted[i] = strings.ToLower(s)
	}
	sort.Strings(sorted)

	parts := append(append([]string{}, sorted...), in.RoomID, strconv.Itoa(in.RoundIndex), in.SettlementBlockHash)
	message := strings.Join(parts, "|")

	key, err := hex.DecodeString(in.ServerSeedHex)
	if err != nil {
		return "", fmt.Errorf("rng: decode server seed: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	digest := mac.Sum(nil)
	return hex.EncodeToString(digest), nil
}

// EliminationDraw interprets the first 4 bytes of a hex digest as a
// big-endian unsigned integer and reduces it mod chambers — the
// "loaded chamber index" of §4.1. chambers is the number of alive
// seats at the start of the round (both REGULAR and EXTREME share
// this mechanism; see DESIGN.md Open Question 1).
func EliminationDraw(hexDigest string, chambers int) (int, error) {
	if chambers <= 0 {
		return 0, fmt.Errorf("rng: chambers must be positive, got %d", chambers)
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return 0, fmt.Errorf("rng: decode digest: %w", err)
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("rng: digest too short: %d bytes", len(raw))
	}
	n := binary.BigEndian.Uint32(raw[:4])
	return int(n % uint32(chambers)), nil
}

// ShooterDies reports whether the shooter at shooterAliveOrderIndex
// (the shooter's position within the current alive-ordered sequence)
// is eliminated by a loaded-chamber draw of loadedChamberIndex.
func ShooterDies(loadedChamberIndex, shooterAliveOrderIndex int) bool {
	return loadedChamberIndex == shooterAliveOrderIndex
}
