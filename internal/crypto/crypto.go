// Package crypto provides authenticated encryption for secrets at rest.
//
// Values are sealed with AES-256-GCM under a versioned master key. The
// service always writes with the current key version and can hold older
// versions for decrypting rotated-away records.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the master key size in bytes (AES-256).
const KeySize = 32

var (
	// ErrKeyUnavailable means the record's key version is not held by the
	// service.
	ErrKeyUnavailable = errors.New("crypto: key version unavailable")

	// ErrAuthFailure means the authentication tag did not verify. The
	// record was tampered with or sealed under a different key.
	ErrAuthFailure = errors.New("crypto: authentication failure")
)

// Record is the stored form of an encrypted value. The GCM tag is kept
// separate from the ciphertext so storage columns map one-to-one.
type Record struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	KeyVersion int
}

// Service seals and opens records with versioned keys.
type Service struct {
	current int
	keys    map[int]cipher.AEAD
}

// NewService builds a Service from the current master key and optional
// previous keys by version.
func NewService(masterKey []byte, version int, previous map[int][]byte) (*Service, error) {
	if version <= 0 {
		return nil, fmt.Errorf("crypto: key version must be positive, got %d", version)
	}

	keys := make(map[int]cipher.AEAD, len(previous)+1)

	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: master key: %w", err)
	}
	keys[version] = aead

	for v, key := range previous {
		if v == version {
			continue
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: previous key version %d: %w", v, err)
		}
		keys[v] = aead
	}

	return &Service{current: version, keys: keys}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// CurrentVersion returns the key version used for new records.
func (s *Service) CurrentVersion() int { return s.current }

// Encrypt seals plaintext with the current key and a fresh random nonce.
func (s *Service) Encrypt(plaintext []byte) (*Record, error) {
	aead := s.keys[s.current]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - aead.Overhead()

	return &Record{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		KeyVersion: s.current,
	}, nil
}

// Decrypt opens a record. Returns ErrKeyUnavailable for unknown key versions
// and ErrAuthFailure when the tag does not verify.
func (s *Service) Decrypt(rec *Record) ([]byte, error) {
	aead, ok := s.keys[rec.KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrKeyUnavailable, rec.KeyVersion)
	}
	// GCM panics on a wrong-sized nonce; a truncated row is a tampered row.
	if len(rec.Nonce) != aead.NonceSize() {
		return nil, ErrAuthFailure
	}

	sealed := make([]byte, 0, len(rec.Ciphertext)+len(rec.Tag))
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.Tag...)

	plaintext, err := aead.Open(nil, rec.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// GenerateKey returns 256 fresh random bits, base64-encoded for storage in
// operator-managed configuration.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
