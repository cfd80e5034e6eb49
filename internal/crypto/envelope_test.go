package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(testHexKey)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	cases := []string{"", "sk-abcdef123456", "a very long refresh token value with spaces and symbols !@#$"}
	for _, s := range cases {
		sealed, err := env.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", s, err)
		}
		got, err := env.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", sealed, err)
		}
		if got != s {
			t.Errorf("round trip mismatch: got %q, want %q", got, s)
		}
	}
}

func TestEnvelope_NeverReusesIV(t *testing.T) {
	env, err := NewEnvelope(testHexKey)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	a, _ := env.Encrypt("same plaintext")
	b, _ := env.Encrypt("same plaintext")
	if a == b {
		t.Fatal("Encrypt produced identical ciphertexts for two calls — IV reused")
	}
}

func TestEnvelope_TamperDetection(t *testing.T) {
	env, err := NewEnvelope(testHexKey)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	sealed, _ := env.Encrypt("sk-abcdef123456")

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Flip a byte inside the ciphertext region.
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := env.Decrypt(tampered); err != ErrInvalidCiphertext {
		t.Fatalf("Decrypt(tampered) = %v, want ErrInvalidCiphertext", err)
	}
}

func TestEnvelope_ShortInputRejected(t *testing.T) {
	env, err := NewEnvelope(testHexKey)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := env.Decrypt(short); err != ErrInvalidCiphertext {
		t.Fatalf("Decrypt(short) = %v, want ErrInvalidCiphertext", err)
	}
}

func TestNewEnvelope_RejectsBadKey(t *testing.T) {
	if _, err := NewEnvelope(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewEnvelope("not-hex"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if _, err := NewEnvelope(strings.Repeat("ab", 10)); err == nil {
		t.Fatal("expected error for short key")
	}
}
