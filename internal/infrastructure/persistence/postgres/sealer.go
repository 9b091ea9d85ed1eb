package postgres

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ══════════════════════════════════════════════════════════════════════════════
// SECRET SEALING
// ══════════════════════════════════════════════════════════════════════════════

// The rotating portal token is a full-access credential, so it never touches
// the database in the clear. Sealed values carry the random nonce in their
// first 24 bytes.

const (
	sealerKeySize = 32
	nonceSize     = 24
)

// ErrSealedDataCorrupt is returned when a sealed value fails to open.
var ErrSealedDataCorrupt = errors.New("postgres: sealed data corrupt or wrong key")

// Sealer encrypts and decrypts secrets with a symmetric key.
type Sealer struct {
	key [sealerKeySize]byte
}

// NewSealer creates a Sealer from a hex-encoded 32 byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("postgres: sealing key is not valid hex: %w", err)
	}
	if len(raw) != sealerKeySize {
		return nil, fmt.Errorf("postgres: sealing key must be %d bytes, got %d",
			sealerKeySize, len(raw))
	}

	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// GenerateSealingKey returns a fresh random key in hex form, for initial
// deployment setup.
func GenerateSealingKey() (string, error) {
	key := make([]byte, sealerKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("postgres: generate sealing key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Seal encrypts plaintext with a random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("postgres: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a sealed value.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrSealedDataCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealedDataCorrupt
	}
	return plaintext, nil
}
