package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, fill byte) []byte {
	t.Helper()
	key := bytes.Repeat([]byte{fill}, KeySize)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewService(testKey(t, 0x11), 1, nil)
	require.NoError(t, err)

	plaintext := []byte("sk-ant-super-secret")
	rec, err := svc.Encrypt(plaintext)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.KeyVersion)
	assert.Len(t, rec.Tag, 16)
	assert.NotEmpty(t, rec.Nonce)
	assert.NotEqual(t, plaintext, rec.Ciphertext)

	out, err := svc.Decrypt(rec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	svc, err := NewService(testKey(t, 0x22), 1, nil)
	require.NoError(t, err)

	a, err := svc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := svc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptTamperDetection(t *testing.T) {
	svc, err := NewService(testKey(t, 0x33), 1, nil)
	require.NoError(t, err)

	rec, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	flipByte := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0xff
		return out
	}

	cases := []struct {
		name string
		mut  func(*Record)
	}{
		{"ciphertext", func(r *Record) { r.Ciphertext = flipByte(r.Ciphertext) }},
		{"nonce", func(r *Record) { r.Nonce = flipByte(r.Nonce) }},
		{"tag", func(r *Record) { r.Tag = flipByte(r.Tag) }},
		{"truncated nonce", func(r *Record) { r.Nonce = r.Nonce[:len(r.Nonce)-1] }},
		{"missing nonce", func(r *Record) { r.Nonce = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tampered := *rec
			tc.mut(&tampered)
			_, err := svc.Decrypt(&tampered)
			assert.ErrorIs(t, err, ErrAuthFailure)
		})
	}
}

func TestDecryptUnknownKeyVersion(t *testing.T) {
	svc, err := NewService(testKey(t, 0x44), 2, nil)
	require.NoError(t, err)

	rec, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)
	rec.KeyVersion = 7

	_, err = svc.Decrypt(rec)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestKeyRotationReadsOldVersions(t *testing.T) {
	oldKey := testKey(t, 0x55)
	oldSvc, err := NewService(oldKey, 1, nil)
	require.NoError(t, err)

	rec, err := oldSvc.Encrypt([]byte("rotated secret"))
	require.NoError(t, err)

	// New service writes with version 2 but still holds version 1.
	newSvc, err := NewService(testKey(t, 0x66), 2, map[int][]byte{1: oldKey})
	require.NoError(t, err)

	out, err := newSvc.Decrypt(rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated secret"), out)

	fresh, err := newSvc.Encrypt([]byte("new secret"))
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.KeyVersion)
}

func TestNewServiceRejectsBadKeys(t *testing.T) {
	_, err := NewService([]byte("short"), 1, nil)
	assert.Error(t, err)

	_, err = NewService(testKey(t, 0x01), 0, nil)
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	encoded, err := GenerateKey()
	require.NoError(t, err)

	key, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	second, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, encoded, second)
}
