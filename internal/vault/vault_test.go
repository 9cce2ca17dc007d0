package vault

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate master key: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)

	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	blob, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("blob contains plaintext key material")
	}
	if blob[0] != blobVersion {
		t.Fatalf("unexpected blob version %d", blob[0])
	}

	got, err := v.Decrypt(blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := testVault(t)
	plaintext := []byte("0123456789abcdef0123456789abcdef")

	first, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same key produced identical blobs")
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	v := testVault(t)
	blob, err := v.Encrypt([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), blob...)
		tampered[len(tampered)-1] ^= 0x01
		if _, err := v.Decrypt(tampered); err == nil {
			t.Fatal("expected error for tampered ciphertext")
		}
	})

	t.Run("tampered tag", func(t *testing.T) {
		tampered := append([]byte(nil), blob...)
		tampered[1+nonceSize] ^= 0x01
		if _, err := v.Decrypt(tampered); err == nil {
			t.Fatal("expected error for tampered tag")
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		tampered := append([]byte(nil), blob...)
		tampered[0] = 9
		if _, err := v.Decrypt(tampered); err == nil {
			t.Fatal("expected error for unknown version")
		}
	})

	t.Run("truncated blob", func(t *testing.T) {
		if _, err := v.Decrypt(blob[:minBlobSize-1]); err == nil {
			t.Fatal("expected error for truncated blob")
		}
	})

	t.Run("wrong master key", func(t *testing.T) {
		other := testVault(t)
		if _, err := other.Decrypt(blob); err == nil {
			t.Fatal("expected error under a different master key")
		}
	})
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := New(make([]byte, size)); err == nil {
			t.Fatalf("expected error for %d byte master key", size)
		}
	}
}
