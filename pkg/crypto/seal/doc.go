// Package seal provides the default encrypter for Secure entries.
//
// This package implements authenticated encryption behind the engine's
// string-in/string-out encrypter contract, with automatic algorithm
// selection based on hardware capabilities.
//
// Supported Algorithms:
//
//   - AES-256-GCM: Preferred when hardware AES support is available
//   - ChaCha20-Poly1305: Fallback for systems without AES-NI
//
// Features:
//
//   - Hardware Detection: Automatic selection based on CPU features
//   - AEAD: Authenticated encryption with associated data
//   - Key Derivation: Argon2id derivation from a passphrase and salt
//   - Tagged Blobs: Ciphertexts are "kps1_" + base64, so sealed values
//     are recognizable to the log redaction layer and versionable on disk
//
// Usage:
//
//	sealer, err := seal.New(seal.Config{Passphrase: pass, Salt: salt})
//	err = sealer.Init(ctx)
//	blob, err := sealer.Encrypt(plaintext)
//	plaintext, err := sealer.Decrypt(blob)
package seal
