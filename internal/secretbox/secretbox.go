// Package secretbox implements the credential encryption contract: stored
// account passwords are either plaintext or an AEAD ciphertext of the form
// base64( salt(16B) || nonce(12B) || ciphertext ), with the key derived from
// a master secret via PBKDF2-HMAC-SHA256.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 16
	nonceSize      = 12
	pbkdf2Rounds   = 100_000
	derivedKeySize = 32

	// minCiphertextLen is the base64-decoded floor (salt + nonce) below
	// which a value cannot possibly be ciphertext, per the detection
	// heuristic: "decodes as base64 and has length >= 28".
	minCiphertextLen = saltSize + nonceSize
)

// Box derives encryption keys from a single master secret.
type Box struct {
	masterKey []byte
}

// New constructs a Box from the configured master key. The caller is
// responsible for enforcing the >=32 character minimum at config load time.
func New(masterKey string) *Box {
	return &Box{masterKey: []byte(masterKey)}
}

// Encrypt seals plaintext under a freshly generated salt and nonce, returning
// the base64-encoded salt||nonce||ciphertext envelope.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := b.gcmForSalt(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	envelope := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// ErrNotCiphertext is returned by Decrypt when given a value that does not
// look like a secretbox envelope (see LooksLikeCiphertext).
var ErrNotCiphertext = errors.New("secretbox: value is not ciphertext")

// Decrypt opens a base64 salt||nonce||ciphertext envelope produced by
// Encrypt.
func (b *Box) Decrypt(envelope string) ([]byte, error) {
	if !LooksLikeCiphertext(envelope) {
		return nil, ErrNotCiphertext
	}

	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	salt, nonce, ciphertext := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]

	gcm, err := b.gcmForSalt(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}

// Resolve returns the plaintext credential for stored, transparently
// decrypting it if stored looks like a ciphertext envelope and passing it
// through unchanged otherwise — matching the plaintext-or-ciphertext
// storage contract.
func (b *Box) Resolve(stored string) (string, error) {
	if !LooksLikeCiphertext(stored) {
		return stored, nil
	}
	plaintext, err := b.Decrypt(stored)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// LooksLikeCiphertext applies the detection heuristic: a value decodes as
// base64 and has length >= 28 after decoding (the floor for salt+nonce);
// otherwise it is treated as plaintext.
func LooksLikeCiphertext(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(raw) >= minCiphertextLen
}

func (b *Box) gcmForSalt(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(b.masterKey, salt, pbkdf2Rounds, derivedKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
