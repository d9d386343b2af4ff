// Package security handles credential storage: provider API keys kept in a
// bundle that is either plain JSON or encrypted at rest with a user
// passphrase.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations matches the key-derivation cost used when the
	// bundle was first written; changing it invalidates existing bundles.
	pbkdf2Iterations = 100_000

	keyLen   = 32
	saltLen  = 16
	nonceLen = 12
)

// ErrInvalidPassphrase is returned when decryption fails authentication.
// A wrong passphrase and a tampered ciphertext are indistinguishable.
var ErrInvalidPassphrase = errors.New("invalid passphrase")

// Envelope is the encrypted-at-rest form of a credential bundle.
type Envelope struct {
	Data      []byte `json:"data"`
	Salt      []byte `json:"salt"`
	IV        []byte `json:"iv"`
	Encrypted bool   `json:"encrypted"`
}

// deriveKey stretches a passphrase into an AES-256 key.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext under a passphrase-derived key with AES-GCM.
// A fresh random salt and nonce are generated per call.
func Encrypt(plaintext []byte, passphrase string) (*Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Data:      gcm.Seal(nil, nonce, plaintext, nil),
		Salt:      salt,
		IV:        nonce,
		Encrypted: true,
	}, nil
}

// Decrypt opens an envelope. Authentication failure, whether from a wrong
// passphrase or a modified ciphertext, yields ErrInvalidPassphrase.
func Decrypt(env *Envelope, passphrase string) ([]byte, error) {
	if env == nil || !env.Encrypted {
		return nil, errors.New("envelope is not encrypted")
	}
	if len(env.Salt) != saltLen || len(env.IV) != nonceLen {
		return nil, ErrInvalidPassphrase
	}

	block, err := aes.NewCipher(deriveKey(passphrase, env.Salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Data, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}
