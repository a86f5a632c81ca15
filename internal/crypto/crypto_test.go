package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	secret := []byte("a-very-long-master-secret-for-tests-only")
	k1, err := DeriveKeys(secret)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKeys(secret)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(k1.TokenSigning, k2.TokenSigning) || !bytes.Equal(k1.APIKeyHash, k2.APIKeyHash) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(k1.TokenSigning, k1.APIKeyHash) {
		t.Error("sub-keys for different contexts must differ")
	}
	if len(k1.TokenSigning) != 32 {
		t.Errorf("key length = %d", len(k1.TokenSigning))
	}
}

func TestDeriveKeysEmptySecret(t *testing.T) {
	if _, err := DeriveKeys(nil); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestMAC(t *testing.T) {
	key := []byte("k")
	if MAC(key, "vxl_abc") != MAC(key, "vxl_abc") {
		t.Error("MAC should be deterministic")
	}
	if MAC(key, "vxl_abc") == MAC([]byte("other"), "vxl_abc") {
		t.Error("MAC must depend on the key")
	}
	if len(MAC(key, "x")) != 64 {
		t.Error("expected hex-encoded sha256 output")
	}
}

func TestRandomSecret(t *testing.T) {
	a, err := RandomSecret(32)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RandomSecret(32)
	if bytes.Equal(a, b) {
		t.Error("random secrets should differ")
	}
}
