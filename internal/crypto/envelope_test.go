package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.MarshalEncryptedString("ya29.access-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(raw, "ya29") {
		t.Fatalf("envelope leaks plaintext: %s", raw)
	}

	out, err := m.UnmarshalEncryptedString(raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "ya29.access-token" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestEnvelopeLayout(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	raw, err := m.MarshalEncryptedString("abc")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	iv, _ := base64.StdEncoding.DecodeString(env.IV)
	if len(iv) != IVSize {
		t.Fatalf("expected %d-byte iv, got %d", IVSize, len(iv))
	}
	ct, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	if len(ct) != len("abc")+16 {
		t.Fatalf("expected ciphertext with appended tag, got %d bytes", len(ct))
	}

	again, err := m.MarshalEncryptedString("abc")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if again == raw {
		t.Fatalf("expected a fresh iv per value")
	}
}

func TestDecryptTampered(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	env, err := m.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	ct[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	if _, err := m.Decrypt(env); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
	if _, err := m.UnmarshalEncryptedString(""); err != ErrEmptyEnvelope {
		t.Fatalf("expected ErrEmptyEnvelope, got %v", err)
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.MarshalEncryptedString("legacy")
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotatedManager, err := NewManager("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotatedManager.UnmarshalEncryptedString(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	if !rotatedManager.Stale(oldCipher) {
		t.Fatalf("expected value on old key to be stale")
	}
	rotated, err := rotatedManager.ReEncrypt(oldCipher)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(rotated), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.KeyID != "new" {
		t.Fatalf("expected rotated value on key %q, got %q", "new", env.KeyID)
	}
	if rotatedManager.Stale(rotated) {
		t.Fatalf("expected rotated value not to be stale")
	}
	if _, err := oldManager.UnmarshalEncryptedString(rotated); err == nil {
		t.Fatalf("expected old-only manager to reject new key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
