// Package secretbox encrypts peer private keys at rest.
//
// Blobs have the form base64(salt) ":" base64(nonce || ciphertext). The AES-256
// key is derived from the master secret with PBKDF2-HMAC-SHA256 and a fresh
// salt per blob. Changing the master secret makes every existing blob
// undecryptable; there is no re-encryption path.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100_000
	SaltSize   = 16
	keySize    = 32
)

var ErrDecryption = errors.New("failed to decrypt private key: corrupted data or different master secret")

var encoding = base64.URLEncoding

type Box struct {
	secret []byte
	rand   io.Reader
}

func New(masterSecret string) (*Box, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret must not be empty")
	}
	return &Box{secret: []byte(masterSecret), rand: rand.Reader}, nil
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(b.secret, salt, Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext. An empty plaintext yields an empty blob.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(b.rand, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	gcm, err := b.aead(salt)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encoding.EncodeToString(salt) + ":" + encoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. It never returns partial plaintext:
// every failure is reported as ErrDecryption.
func (b *Box) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}
	saltPart, sealedPart, ok := strings.Cut(blob, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing salt separator", ErrDecryption)
	}
	salt, err := encoding.DecodeString(saltPart)
	if err != nil || len(salt) != SaltSize {
		return "", fmt.Errorf("%w: bad salt", ErrDecryption)
	}
	sealed, err := encoding.DecodeString(sealedPart)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrDecryption)
	}
	gcm, err := b.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(pt), nil
}
