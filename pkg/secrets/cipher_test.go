package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
)

// Test key: base64 of a fixed 32-byte ASCII string.
const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM=" // "test-key-for-unit-tests-32-bytes"

func TestNewCipher(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 32-byte base64 key", key: testKey},
		{name: "empty key", key: "", wantErr: true},
		{name: "not base64", key: "not-valid-base64!!!", wantErr: true},
		{
			name:    "wrong length",
			key:     base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipher(tt.key)
			if tt.wantErr && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("expected ErrInvalidKey, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	for _, value := range [][]byte{
		[]byte("alpha"),
		[]byte(""),
		[]byte("password with spaces and unicode: пароль"),
		bytes.Repeat([]byte{0x00, 0xff}, 512),
	} {
		blob, err := c.Encrypt("my-secret", value)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := c.Decrypt("my-secret", blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("round trip mismatch: got %q, want %q", got, value)
		}
	}
}

func TestBlobLayout(t *testing.T) {
	c, _ := NewCipher(testKey)
	blob, err := c.Encrypt("name", []byte("value"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if string(blob[:4]) != "RVS1" {
		t.Errorf("magic = %q, want RVS1", blob[:4])
	}
	if blob[4] != 0x01 {
		t.Errorf("scheme = 0x%02x, want 0x01", blob[4])
	}
	if blob[5] != 0x01 {
		t.Errorf("key version = 0x%02x, want 0x01", blob[5])
	}
	// magic + scheme + version + nonce + tag at minimum
	if len(blob) < 4+1+1+12+16 {
		t.Errorf("blob too short: %d bytes", len(blob))
	}
}

// Decrypting a ciphertext as if it were stored under another name must fail:
// the associated data binds ciphertext to name.
func TestDecryptWrongNameFails(t *testing.T) {
	c, _ := NewCipher(testKey)
	blob, err := c.Encrypt("pw", []byte("alpha"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = c.Decrypt("pw2", blob)
	if !errors.Is(err, apperrors.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	c, _ := NewCipher(testKey)
	blob, _ := c.Encrypt("name", []byte("value"))

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"unknown scheme", func(b []byte) []byte { b[4] = 0x02; return b }},
		{"unknown key version", func(b []byte) []byte { b[5] = 0x7f; return b }},
		{"truncated", func(b []byte) []byte { return b[:10] }},
		{"flipped ciphertext bit", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), blob...))
			if _, err := c.Decrypt("name", mutated); !errors.Is(err, apperrors.ErrAuthenticationFailed) {
				t.Errorf("expected ErrAuthenticationFailed, got %v", err)
			}
		})
	}
}

func TestDecryptWithDifferentKeyFails(t *testing.T) {
	c1, _ := NewCipher(testKey)
	otherKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	c2, _ := NewCipher(otherKey)

	blob, _ := c1.Encrypt("name", []byte("value"))
	if _, err := c2.Decrypt("name", blob); !errors.Is(err, apperrors.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}
