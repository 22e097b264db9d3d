// Package secrets provides encrypted storage for connection credentials.
// Values are sealed with AES-256-GCM-SIV; the normalized secret name is the
// associated data, so a ciphertext copied under another name fails to open.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	siv "github.com/secure-io/siv-go"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
)

var (
	// ErrInvalidKey is returned when the master key is not 32 decoded bytes.
	ErrInvalidKey = errors.New("invalid master key: must be base64 of 32 bytes")
)

// Encrypted blob layout, bit-exact:
//
//	'R' 'V' 'S' '1' | scheme (1) | key_version (1) | nonce (12) | ciphertext+tag
const (
	blobMagic = "RVS1"

	schemeAESGCMSIV byte = 0x01

	keyVersion1 byte = 0x01

	nonceSize  = 12
	headerSize = len(blobMagic) + 2 + nonceSize
)

// Cipher seals and opens secret values under the engine's master key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the base64-encoded 32-byte master key.
func NewCipher(encodedKey string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}

	aead, err := siv.NewGCM(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES-GCM-SIV: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under the normalized secret name and returns the
// full blob.
func (c *Cipher) Encrypt(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, headerSize+len(plaintext)+c.aead.Overhead())
	blob = append(blob, blobMagic...)
	blob = append(blob, schemeAESGCMSIV, keyVersion1)
	blob = append(blob, nonce...)
	blob = c.aead.Seal(blob, nonce, plaintext, []byte(name))
	return blob, nil
}

// Decrypt opens a blob stored under the normalized secret name. A blob with a
// bad magic, unknown scheme, or unknown key version is rejected; a tag or
// associated-data mismatch fails with ErrAuthenticationFailed.
func (c *Cipher) Decrypt(name string, blob []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: blob too short", apperrors.ErrAuthenticationFailed)
	}
	if string(blob[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("%w: bad magic", apperrors.ErrAuthenticationFailed)
	}
	if blob[4] != schemeAESGCMSIV {
		return nil, fmt.Errorf("%w: unknown scheme 0x%02x", apperrors.ErrAuthenticationFailed, blob[4])
	}
	if blob[5] != keyVersion1 {
		return nil, fmt.Errorf("%w: unknown key version 0x%02x", apperrors.ErrAuthenticationFailed, blob[5])
	}

	nonce := blob[6 : 6+nonceSize]
	ciphertext := blob[6+nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, apperrors.ErrAuthenticationFailed
	}
	return plaintext, nil
}
