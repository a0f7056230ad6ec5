package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherType identifies the cipher algorithm.
type CipherType string

const (
	CipherAESGCM   CipherType = "aes-gcm"
	CipherChaCha20 CipherType = "chacha20-poly1305"
)

// Cipher provides authenticated encryption over raw bytes.
type Cipher interface {
	// Type returns the cipher type.
	Type() CipherType

	// Encrypt encrypts plaintext with additional data.
	Encrypt(plaintext, additionalData []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with additional data.
	Decrypt(ciphertext, additionalData []byte) ([]byte, error)

	// NonceSize returns the nonce size in bytes.
	NonceSize() int

	// Overhead returns the authentication tag size in bytes.
	Overhead() int
}

// NewCipher creates a cipher with the given key, automatically selecting
// the optimal algorithm for the hardware.
func NewCipher(key []byte) (Cipher, error) {
	if hasAESHardware() {
		return NewAESGCM(key)
	}
	return NewChaCha20(key)
}

// NewCipherWithType creates a cipher of the specified type.
func NewCipherWithType(key []byte, cipherType CipherType) (Cipher, error) {
	switch cipherType {
	case CipherAESGCM:
		return NewAESGCM(key)
	case CipherChaCha20:
		return NewChaCha20(key)
	default:
		return nil, errors.New("unknown cipher type: " + string(cipherType))
	}
}

// hasAESHardware checks if AES hardware acceleration is available.
// On amd64 and arm64, Go's crypto/aes uses hardware acceleration when available.
func hasAESHardware() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}

// baseCipher provides common functionality for ciphers.
type baseCipher struct {
	aead cipher.AEAD
}

// NonceSize returns the nonce size in bytes.
func (c *baseCipher) NonceSize() int {
	return c.aead.NonceSize()
}

// Overhead returns the authentication tag size in bytes.
func (c *baseCipher) Overhead() int {
	return c.aead.Overhead()
}

// encrypt performs authenticated encryption with a random nonce prepended
// to the ciphertext.
func (c *baseCipher) encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := c.aead.Seal(nonce, nonce, plaintext, additionalData)
	return ciphertext, nil
}

// decrypt performs authenticated decryption.
func (c *baseCipher) decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:c.aead.NonceSize()]
	ciphertext = ciphertext[c.aead.NonceSize():]

	return c.aead.Open(nil, nonce, ciphertext, additionalData)
}

// AESGCM implements AES-GCM authenticated encryption.
type AESGCM struct {
	baseCipher
}

// NewAESGCM creates a new AES-GCM cipher.
//
// Key must be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256.
func NewAESGCM(key []byte) (*AESGCM, error) {
	switch len(key) {
	case 16, 24, 32:
		// Valid key sizes
	default:
		return nil, errors.New("invalid key size for AES-GCM: must be 16, 24, or 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESGCM{
		baseCipher: baseCipher{aead: aead},
	}, nil
}

// Type returns the cipher type.
func (c *AESGCM) Type() CipherType {
	return CipherAESGCM
}

// Encrypt encrypts plaintext with additional data.
func (c *AESGCM) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	return c.encrypt(plaintext, additionalData)
}

// Decrypt decrypts ciphertext with additional data.
func (c *AESGCM) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	return c.decrypt(ciphertext, additionalData)
}

// ChaCha20 implements ChaCha20-Poly1305 authenticated encryption.
type ChaCha20 struct {
	baseCipher
}

// NewChaCha20 creates a new ChaCha20-Poly1305 cipher.
//
// Key must be exactly 32 bytes.
func NewChaCha20(key []byte) (*ChaCha20, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("invalid key size for ChaCha20-Poly1305: must be 32 bytes")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	return &ChaCha20{
		baseCipher: baseCipher{aead: aead},
	}, nil
}

// Type returns the cipher type.
func (c *ChaCha20) Type() CipherType {
	return CipherChaCha20
}

// Encrypt encrypts plaintext with additional data.
func (c *ChaCha20) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	return c.encrypt(plaintext, additionalData)
}

// Decrypt decrypts ciphertext with additional data.
func (c *ChaCha20) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	return c.decrypt(ciphertext, additionalData)
}
