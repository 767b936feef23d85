package secrets

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": testKey(1)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sealed, err := k.Seal("sk-super-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, Prefix+"k1:") {
		t.Fatalf("expected envelope with key id, got %q", sealed)
	}

	opened, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "sk-super-secret" {
		t.Fatalf("expected round trip, got %q", opened)
	}
}

func TestOpenAfterRotation(t *testing.T) {
	old, err := NewKeyring("k1", map[string][]byte{"k1": testKey(1)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	sealed, err := old.Seal("credential")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// k2 is now current but k1 stays available for old envelopes.
	rotated, err := NewKeyring("k2", map[string][]byte{"k1": testKey(1), "k2": testKey(2)})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	opened, err := rotated.Open(sealed)
	if err != nil {
		t.Fatalf("open with rotated keyring: %v", err)
	}
	if opened != "credential" {
		t.Fatalf("expected old envelope to open, got %q", opened)
	}
}

func TestOpenPlaintextPassthrough(t *testing.T) {
	var k *Keyring
	got, err := k.Open("sk-plaintext")
	if err != nil {
		t.Fatalf("open plaintext: %v", err)
	}
	if got != "sk-plaintext" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestOpenEncryptedWithoutKeyringFails(t *testing.T) {
	var k *Keyring
	if _, err := k.Open("enc:k1:bm9uY2U=:Y3Q="); err == nil {
		t.Fatalf("expected error opening encrypted value without keyring")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": testKey(1)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	sealed, err := k.Seal("credential")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	parts := strings.Split(sealed, ":")
	ct, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	ct[0] ^= 0xff
	parts[3] = base64.StdEncoding.EncodeToString(ct)

	if _, err := k.Open(strings.Join(parts, ":")); err == nil {
		t.Fatalf("expected tampered envelope to fail")
	}
}

func TestNewKeyringValidation(t *testing.T) {
	if _, err := NewKeyring("k1", map[string][]byte{"k1": []byte("short")}); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
	if _, err := NewKeyring("missing", map[string][]byte{"k1": testKey(1)}); err == nil {
		t.Fatalf("expected unknown current key id to be rejected")
	}
}
