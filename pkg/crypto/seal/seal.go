package seal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// BlobPrefix tags every sealed value; the digit is the blob format version.
const BlobPrefix = "kps1_"

// Argon2id parameters for passphrase-derived keys. These are fixed: they
// are part of the blob format, not tunables.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keySize      = 32
	minSaltSize  = 16
)

// blobAAD binds ciphertexts to the blob format version.
var blobAAD = []byte("kps1")

var (
	// ErrNotInitialized is returned when Encrypt or Decrypt runs before Init.
	ErrNotInitialized = errors.New("seal: not initialized")

	// ErrNoKeyMaterial is returned when the config carries neither a raw
	// key nor a passphrase.
	ErrNoKeyMaterial = errors.New("seal: config needs a Key or a Passphrase with Salt")

	// ErrSaltTooShort is returned when the derivation salt is under 16 bytes.
	ErrSaltTooShort = errors.New("seal: salt must be at least 16 bytes")

	// ErrInvalidBlob is returned when a value does not carry the blob prefix.
	ErrInvalidBlob = errors.New("seal: not a sealed blob")
)

// Config configures a Sealer.
type Config struct {
	// Key is a raw sealing key (32 bytes for either cipher). When set,
	// Passphrase and Salt are ignored.
	Key []byte

	// Passphrase is stretched into the sealing key with Argon2id.
	Passphrase string

	// Salt feeds the key derivation. It is not secret, but it must be
	// stable across restarts or previously sealed values become
	// unreadable. 16 bytes minimum; see NewSalt.
	Salt []byte

	// Cipher pins the algorithm. Empty selects by hardware.
	Cipher CipherType
}

// Sealer is the default encrypter for Secure entries: AEAD over the
// JSON envelope, rendered as a tagged base64 string.
type Sealer struct {
	cfg    Config
	cipher Cipher
}

// New validates the config and creates an uninitialized Sealer.
func New(cfg Config) (*Sealer, error) {
	if len(cfg.Key) == 0 {
		if cfg.Passphrase == "" {
			return nil, ErrNoKeyMaterial
		}
		if len(cfg.Salt) < minSaltSize {
			return nil, ErrSaltTooShort
		}
	}
	return &Sealer{cfg: cfg}, nil
}

// Init derives the sealing key and constructs the cipher. It must complete
// before Encrypt or Decrypt. The Argon2id derivation is deliberately
// expensive, so hosts should call Init once at startup, not per operation.
func (s *Sealer) Init(ctx context.Context) error {
	if s.cipher != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := s.cfg.Key
	if len(key) == 0 {
		key = argon2.IDKey([]byte(s.cfg.Passphrase), s.cfg.Salt, argonTime, argonMemory, argonThreads, keySize)
	}

	var (
		c   Cipher
		err error
	)
	if s.cfg.Cipher != "" {
		c, err = NewCipherWithType(key, s.cfg.Cipher)
	} else {
		c, err = NewCipher(key)
	}
	if err != nil {
		return fmt.Errorf("seal: init cipher: %w", err)
	}

	s.cipher = c
	return nil
}

// CipherType reports the selected algorithm, empty before Init.
func (s *Sealer) CipherType() CipherType {
	if s.cipher == nil {
		return ""
	}
	return s.cipher.Type()
}

// Encrypt seals plaintext into a tagged blob string.
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	if s.cipher == nil {
		return "", ErrNotInitialized
	}

	sealed, err := s.cipher.Encrypt([]byte(plaintext), blobAAD)
	if err != nil {
		return "", fmt.Errorf("seal: encrypt: %w", err)
	}

	return BlobPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a tagged blob produced by Encrypt.
func (s *Sealer) Decrypt(blob string) (string, error) {
	if s.cipher == nil {
		return "", ErrNotInitialized
	}

	raw, ok := strings.CutPrefix(blob, BlobPrefix)
	if !ok {
		return "", ErrInvalidBlob
	}

	sealed, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("seal: decode blob: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(sealed, blobAAD)
	if err != nil {
		return "", fmt.Errorf("seal: decrypt: %w", err)
	}

	return string(plaintext), nil
}

// NewSalt generates a random derivation salt of the minimum size.
func NewSalt() ([]byte, error) {
	salt := make([]byte, minSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("seal: generate salt: %w", err)
	}
	return salt, nil
}
