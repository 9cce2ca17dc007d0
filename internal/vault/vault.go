package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	xerrors "prim-wallet/internal/errors"
)

// Blob layout: version(1) || iv(12) || tag(16) || ciphertext. The version
// prefix makes a future algorithm change detectable instead of silently
// producing garbage plaintext.
const (
	blobVersion  = 1
	nonceSize    = 12
	tagSize      = 16
	minBlobSize  = 1 + nonceSize + tagSize
	masterKeyLen = 32
)

var (
	// ErrMalformedBlob is returned for ciphertext that does not match the
	// versioned envelope layout.
	ErrMalformedBlob = xerrors.New(xerrors.CodeCryptoFailure, "malformed key blob")
	// ErrDecryptFailed is returned on any authentication failure. Decrypt
	// fails closed; partial plaintext is never returned.
	ErrDecryptFailed = xerrors.New(xerrors.CodeCryptoFailure, "key blob authentication failed")
)

// Vault envelope-encrypts private key material under a process-wide master
// key. The master key is validated once at startup and held for the process
// lifetime; plaintext keys only ever exist transiently in memory.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != masterKeyLen {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("master key must be %d bytes, got %d", masterKeyLen, len(masterKey)))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "initialise cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "initialise gcm")
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals a plaintext private key under a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, xerrors.New(xerrors.CodeInitFailure, "vault not initialised")
	}
	if len(plaintext) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "plaintext key is empty")
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "generate nonce")
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag; split it out so the envelope layout is explicit.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, 1+nonceSize+tagSize+len(ct))
	blob = append(blob, blobVersion)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Decrypt opens a versioned blob. Any tag mismatch, truncation or unknown
// version is a hard error.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, xerrors.New(xerrors.CodeInitFailure, "vault not initialised")
	}
	if len(blob) < minBlobSize {
		return nil, ErrMalformedBlob
	}
	if blob[0] != blobVersion {
		return nil, xerrors.New(xerrors.CodeCryptoFailure,
			fmt.Sprintf("unsupported key blob version %d", blob[0]))
	}

	iv := blob[1 : 1+nonceSize]
	tag := blob[1+nonceSize : 1+nonceSize+tagSize]
	ct := blob[1+nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Zero overwrites key material in place. Callers must invoke it as soon as a
// signing operation completes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsCryptoError reports whether err originated from the vault.
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrMalformedBlob) || errors.Is(err, ErrDecryptFailed)
}
