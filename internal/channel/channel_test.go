package channel

import (
	"bytes"
	"testing"
)

func TestKeyDeterminism(t *testing.T) {
	k1 := KeyOf("music")
	k2 := KeyOf("music")
	if k1 != k2 {
		t.Errorf("same channel produced different keys: %s vs %s", k1, k2)
	}

	if KeyOf("music") == KeyOf("musik") {
		t.Error("distinct channels produced the same key")
	}
}

func TestKeyWireForm(t *testing.T) {
	k := KeyOf("events/2024")

	parsed, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("failed to parse own key: %v", err)
	}
	if parsed != k {
		t.Errorf("round trip changed key: %s vs %s", parsed, k)
	}

	if len(k.Bytes()) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(k.Bytes()))
	}

	if _, err := ParseKey("not base64!!"); err == nil {
		t.Error("expected error for malformed key")
	}
	if _, err := ParseKey("c2hvcnQ"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestPossessionProof(t *testing.T) {
	challenge := []byte("challenge-1")
	proof := Prove("secret-channel", challenge)

	if !Verify(KeyOf("secret-channel"), proof, challenge) {
		t.Error("valid proof did not verify")
	}

	if Verify(KeyOf("secret-channel"), proof, []byte("challenge-2")) {
		t.Error("proof verified against a different challenge")
	}

	if Verify(KeyOf("other-channel"), proof, challenge) {
		t.Error("proof verified under a foreign channel key")
	}

	// A proof produced for another channel must not transfer.
	foreign := Prove("other-channel", challenge)
	if Verify(KeyOf("secret-channel"), foreign, challenge) {
		t.Error("foreign proof verified")
	}

	if Verify(KeyOf("secret-channel"), proof[:10], challenge) {
		t.Error("truncated proof verified")
	}
}

func TestKeysOfPreservesOrder(t *testing.T) {
	channels := []string{"a", "b", "c"}
	keys := KeysOf(channels)
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i, c := range channels {
		if keys[i] != KeyOf(c) {
			t.Errorf("key %d does not match KeyOf(%q)", i, c)
		}
	}
}

func TestProofIsOverChallengeBytes(t *testing.T) {
	// Identical challenges yield identical signatures (Ed25519 is
	// deterministic), which keeps announce records reproducible.
	c := []byte{1, 2, 3}
	if !bytes.Equal(Prove("ch", c), Prove("ch", c)) {
		t.Error("proof is not deterministic")
	}
}
