package rng

import (
	"strings"
	"testing"
)

func TestNewServerSeedCommitRoundTrip(t *testing.T) {
	seed, commit, err := NewServerSeed()
	if err != nil {
		t.Fatalf("NewServerSeed: %v", err)
	}
	if len(seed) != 64 {
		t.Fatalf("expected 32-byte hex seed (64 chars), got %d", len(seed))
	}
	if !VerifyCommit(seed, commit) {
		t.Fatalf("commit does not verify against seed")
	}
	if VerifyCommit(seed+"00", commit) {
		t.Fatalf("commit verified against a tampered seed")
	}
}

func TestDeriveRandomnessDeterministic(t *testing.T) {
	in := DeriveRoundInput{
		ServerSeedHex:       strings.Repeat("11", 32),
		ClientSeeds:         []string{"s4", "s1", "s3", "s2"},
		RoomID:              "R",
		RoundIndex:          0,
		SettlementBlockHash: "abcd",
	}
	got1, err := DeriveRandomness(in)
	if err != nil {
		t.Fatalf("DeriveRandomness: %v", err)
	}
	got2, err := DeriveRandomness(in)
	if err != nil {
		t.Fatalf("DeriveRandomness: %v", err)
	}
	if got1 != got2 {
		t.Fatalf("derivation is not deterministic: %s != %s", got1, got2)
	}

	// Order of submission must not matter — the spec sorts first.
	reordered := in
	reordered.ClientSeeds = []string{"s2", "s1", "s4", "s3"}
	got3, err := DeriveRandomness(reordered)
	if err != nil {
		t.Fatalf("DeriveRandomness (reordered): %v", err)
	}
	if got1 != got3 {
		t.Fatalf("derivation depends on client seed submission order")
	}
}

func TestDeriveRandomnessChangesWithRoundIndex(t *testing.T) {
	base := DeriveRoundInput{
		ServerSeedHex:       strings.Repeat("22", 32),
		ClientSeeds:         []string{"s1", "s2"},
		RoomID:              "R",
		RoundIndex:          0,
		SettlementBlockHash: "abcd",
	}
	r0, _ := DeriveRandomness(base)
	base.RoundIndex = 1
	r1, _ := DeriveRandomness(base)
	if r0 == r1 {
		t.Fatalf("randomness did not change across round indices")
	}
}

func TestDeriveRandomnessFailureModes(t *testing.T) {
	valid := DeriveRoundInput{
		ServerSeedHex:       strings.Repeat("33", 32),
		ClientSeeds:         []string{"s1"},
		RoomID:              "R",
		RoundIndex:          0,
		SettlementBlockHash: "abcd",
	}

	noSeed := valid
	noSeed.ServerSeedHex = ""
	if _, err := DeriveRandomness(noSeed); err != ErrMissingSeed {
		t.Fatalf("expected ErrMissingSeed, got %v", err)
	}

	noClientSeeds := valid
	noClientSeeds.ClientSeeds = nil
	if _, err := DeriveRandomness(noClientSeeds); err != ErrNoClientSeeds {
		t.Fatalf("expected ErrNoClientSeeds, got %v", err)
	}

	noHash := valid
	noHash.SettlementBlockHash = ""
	if _, err := DeriveRandomness(noHash); err != ErrMissingSettlementHash {
		t.Fatalf("expected ErrMissingSettlementHash, got %v", err)
	}
}

func TestEliminationDrawAndShooterDies(t *testing.T) {
	digest, err := DeriveRandomness(DeriveRoundInput{
		ServerSeedHex:       strings.Repeat("11", 32),
		ClientSeeds:         []string{"s1", "s2", "s3", "s4", "s5", "s6"},
		RoomID:              "R",
		RoundIndex:          0,
		SettlementBlockHash: "abcd",
	})
	if err != nil {
		t.Fatalf("DeriveRandomness: %v", err)
	}

	chamber, err := EliminationDraw(digest, 6)
	if err != nil {
		t.Fatalf("EliminationDraw: %v", err)
	}
	if chamber < 0 || chamber >= 6 {
		t.Fatalf("chamber index out of range: %d", chamber)
	}

	if !ShooterDies(chamber, chamber) {
		t.Fatalf("expected shooter at the loaded chamber to die")
	}
	if chamber != 5 && ShooterDies(chamber, chamber+1) {
		t.Fatalf("expected a different alive-order index to survive")
	}
}

func TestEliminationDrawRejectsNonPositiveChambers(t *testing.T) {
	if _, err := EliminationDraw(strings.Repeat("00", 32), 0); err == nil {
		t.Fatalf("expected error for zero chambers")
	}
}
