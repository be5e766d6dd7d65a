package security

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) (*[32]byte, string) {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	key, err := DecodeKey(encoded)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	return key, encoded
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := testKey(t)

	plaintext := []byte(`{"access_token":"abc","expires_at":"2026-09-02T09:00:00Z"}`)
	box, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(box, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, _ := testKey(t)
	other, _ := testKey(t)

	box, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(box, other); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDecodeKeyRejectsBadInput(t *testing.T) {
	if _, err := DecodeKey("not-base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	if _, err := DecodeKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatalf("expected error for short key")
	}
}
