// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fedcrypt implements the symmetric envelope shared between
// federated sites: AES-256-GCM under a pre-shared 64-hex-character key,
// transported as base64(nonce || ciphertext || tag).
package fedcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// KeySize is the raw key length in bytes.
	KeySize = 32

	// KeyHexLen is the length of a key in its hex text form.
	KeyHexLen = KeySize * 2

	// NonceSize is the GCM nonce length prefixed to every envelope.
	NonceSize = 12
)

var (
	// ErrInvalidKey is returned when a key is not exactly 64 hex characters.
	ErrInvalidKey = errors.New("symmetric key must be 64 hexadecimal characters")

	// ErrDecryptionFailed covers bad base64, short buffers and failed
	// authentication. No plaintext is returned alongside it.
	ErrDecryptionFailed = errors.New("decryption failed: wrong key or corrupted data")
)

// GenerateKey returns 32 random bytes, hex encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidateKey reports whether candidate is exactly 64 hexadecimal
// characters. Upper and lower case digits are both accepted.
func ValidateKey(candidate string) bool {
	if len(candidate) != KeyHexLen {
		return false
	}
	for i := 0; i < len(candidate); i++ {
		c := candidate[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Encrypt seals plaintext under hexKey with a fresh random nonce.
func Encrypt(plaintext []byte, hexKey string) (string, error) {
	aead, err := newAEAD(hexKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(ciphertextB64, hexKey string) ([]byte, error) {
	aead, err := newAEAD(hexKey)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecryptionFailed, err)
	}
	if len(raw) < NonceSize {
		return nil, fmt.Errorf("%w: envelope shorter than nonce", ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(hexKey string) (cipher.AEAD, error) {
	if !ValidateKey(hexKey) {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
