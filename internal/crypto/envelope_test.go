package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	raw, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	env, err := NewEnvelope(key)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := newTestEnvelope(t)

	inputs := [][]byte{
		[]byte("eyJhbGciOiJSUzI1NiJ9.refresh.token"),
		{},
		{0x00, 0xff, 0x10, 0x80},
		bytes.Repeat([]byte("x"), 4096),
	}
	for i, in := range inputs {
		ct, err := env.Encrypt(in)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		got, err := env.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(got, in) {
			t.Errorf("round-trip %d mismatch: got %x, want %x", i, got, in)
		}
	}
}

func TestEnvelope_DifferentCiphertexts(t *testing.T) {
	env := newTestEnvelope(t)

	ct1, err := env.Encrypt([]byte("same-token"))
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	ct2, err := env.Encrypt([]byte("same-token"))
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	if ct1 == ct2 {
		t.Error("expected different ciphertexts due to random nonce, got identical")
	}
}

func TestEnvelope_WrongKey(t *testing.T) {
	a := newTestEnvelope(t)
	b := newTestEnvelope(t)

	ct, err := a.Encrypt([]byte("secret-data"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got: %v", err)
	}
}

func TestEnvelope_Tampered(t *testing.T) {
	env := newTestEnvelope(t)

	ct, err := env.Encrypt([]byte("refresh-token"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := hex.DecodeString(ct)
	raw[len(raw)-1] ^= 0x01
	got, err := env.Decrypt(hex.EncodeToString(raw))
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got: %v", err)
	}
	if got != nil {
		t.Errorf("expected no plaintext on failure, got %q", got)
	}
}

func TestEnvelope_MalformedInput(t *testing.T) {
	env := newTestEnvelope(t)

	cases := map[string]string{
		"invalid hex": "not-valid-hex!!!",
		"too short":   "aabbccdd",
		"garbage":     hex.EncodeToString(make([]byte, 64)),
		"empty":       "",
	}
	for name, in := range cases {
		if _, err := env.Decrypt(in); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("%s: expected ErrDecryptionFailed, got: %v", name, err)
		}
	}
}

func TestNewEnvelope_InvalidKeyLength(t *testing.T) {
	for _, keyLen := range []int{0, 16, 24, 31, 33, 64} {
		if _, err := NewEnvelope(make([]byte, keyLen)); err != ErrInvalidKey {
			t.Errorf("key length %d: expected ErrInvalidKey, got: %v", keyLen, err)
		}
	}
}

func TestParseKey(t *testing.T) {
	want := bytes.Repeat([]byte{0xab}, KeySize)

	hexKey, err := ParseKey(hex.EncodeToString(want))
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	if !bytes.Equal(hexKey, want) {
		t.Errorf("hex key mismatch")
	}

	b64Key, err := ParseKey(base64.URLEncoding.EncodeToString(want))
	if err != nil {
		t.Fatalf("base64url: %v", err)
	}
	if !bytes.Equal(b64Key, want) {
		t.Errorf("base64url key mismatch")
	}

	p1, err := ParseKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("passphrase: %v", err)
	}
	p2, _ := ParseKey("correct horse battery staple")
	if len(p1) != KeySize || !bytes.Equal(p1, p2) {
		t.Errorf("passphrase derivation should be deterministic and %d bytes", KeySize)
	}

	if _, err := ParseKey("   "); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey for blank key, got: %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key 1: %v", err)
	}
	k2, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key 2: %v", err)
	}
	if len(k1) != hex.EncodedLen(KeySize) {
		t.Errorf("key length: got %d, want %d", len(k1), hex.EncodedLen(KeySize))
	}
	if k1 == k2 {
		t.Error("expected two generated keys to differ")
	}
}
