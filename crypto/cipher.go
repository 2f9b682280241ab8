package crypto

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyInfo = "pairchat-message-v1"
	keySize = chacha20poly1305.KeySize
)

// Placeholder is shown in place of content that cannot be decrypted.
const Placeholder = "[Encrypted message]"

var (
	ErrDecryption  = errors.New("cipher: unable to decrypt content")
	ErrEmptySecret = errors.New("cipher: empty secret")
)

// Cipher encrypts message text at rest with a key derived from a shared
// secret. It holds no mutable state and is safe for concurrent use.
type Cipher struct {
	aead gocipher.AEAD
}

func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: init aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || sealed). Every call uses a fresh nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	wire, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryption)
	}
	if len(wire) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, sealed := wire[:c.aead.NonceSize()], wire[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong key or tampered ciphertext", ErrDecryption)
	}
	return string(plain), nil
}

// Open decrypts ciphertext, falling back to Placeholder on any failure.
func (c *Cipher) Open(ciphertext string) string {
	plain, err := c.Decrypt(ciphertext)
	if err != nil {
		return Placeholder
	}
	return plain
}

func Encrypt(plaintext, secret string) (string, error) {
	c, err := New(secret)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

func Decrypt(ciphertext, secret string) (string, error) {
	c, err := New(secret)
	if err != nil {
		return "", err
	}
	return c.Decrypt(ciphertext)
}
