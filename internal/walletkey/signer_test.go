package walletkey

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

func testMnemonic(t *testing.T) string {
	t.Helper()
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		t.Fatalf("NewEntropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("NewMnemonic: %v", err)
	}
	return mnemonic
}

func TestDeriveSeatDeterministic(t *testing.T) {
	mnemonic := testMnemonic(t)
	s1, err := NewHDSigner(mnemonic, "", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewHDSigner: %v", err)
	}
	s2, err := NewHDSigner(mnemonic, "", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewHDSigner: %v", err)
	}

	kp1, err := s1.DeriveSeat("room-1", 2)
	if err != nil {
		t.Fatalf("DeriveSeat: %v", err)
	}
	kp2, err := s2.DeriveSeat("room-1", 2)
	if err != nil {
		t.Fatalf("DeriveSeat: %v", err)
	}
	if kp1.Address != kp2.Address {
		t.Fatalf("same mnemonic+room+seat produced different addresses: %s != %s", kp1.Address, kp2.Address)
	}
}

func TestDeriveSeatCollisionFree(t *testing.T) {
	signer, err := NewHDSigner(testMnemonic(t), "", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewHDSigner: %v", err)
	}

	seen := make(map[string]bool)
	roomKey, err := signer.DeriveRoomKey("room-A")
	if err != nil {
		t.Fatalf("DeriveRoomKey: %v", err)
	}
	seen[roomKey.Address] = true

	for _, room := range []string{"room-A", "room-B", "room-C"} {
		for seat := 0; seat < 6; seat++ {
			kp, err := signer.DeriveSeat(room, seat)
			if err != nil {
				t.Fatalf("DeriveSeat(%s, %d): %v", room, seat, err)
			}
			if seen[kp.Address] {
				t.Fatalf("address collision at room=%s seat=%d: %s", room, seat, kp.Address)
			}
			seen[kp.Address] = true
		}
	}
}

func TestSignProducesVerifiableLengthSignature(t *testing.T) {
	signer, err := NewHDSigner(testMnemonic(t), "", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewHDSigner: %v", err)
	}
	kp, err := signer.DeriveSeat("room-1", 0)
	if err != nil {
		t.Fatalf("DeriveSeat: %v", err)
	}
	digest := make([]byte, 32)
	sig, err := signer.Sign(kp.Priv, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) == 0 {
		t.Fatalf("expected non-empty signature")
	}

	if _, err := signer.Sign(kp.Priv, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for non-32-byte digest")
	}
}

func TestNewHDSignerRejectsInvalidMnemonic(t *testing.T) {
	if _, err := NewHDSigner("not a real mnemonic", "", &chaincfg.MainNetParams); err == nil {
		t.Fatalf("expected error for invalid mnemonic")
	}
}
