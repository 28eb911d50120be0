package crypto

import (
	"crypto/cipher"
	"encoding/base64"
	"strings"
	"testing"
)

func newTestVault(t *testing.T, versions ...int) *Vault {
	t.Helper()
	v := &Vault{sealers: make(map[int]cipher.AEAD)}
	for _, ver := range versions {
		key := make([]byte, KeySize)
		for i := range key {
			key[i] = byte(ver + i)
		}
		sealer, err := newSealer(key)
		if err != nil {
			t.Fatalf("newSealer: %v", err)
		}
		v.sealers[ver] = sealer
		if ver > v.latest {
			v.latest = ver
		}
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t, 1)

	secret := "binance-api-secret-xyz"
	sealed, err := v.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "sr1$") {
		t.Fatalf("envelope missing version tag: %q", sealed)
	}

	opened, err := v.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if opened != secret {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestDecryptSelectsKeyVersion(t *testing.T) {
	old := newTestVault(t, 1)
	sealed, err := old.Encrypt("legacy")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A vault that also has v2 must still open v1 envelopes.
	both := newTestVault(t, 1, 2)
	opened, err := both.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt with rotated vault: %v", err)
	}
	if opened != "legacy" {
		t.Fatalf("got %q", opened)
	}
	if both.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion=%d, expected 2", both.CurrentVersion())
	}
	if !strings.HasPrefix(mustEncrypt(t, both, "new"), "sr2$") {
		t.Fatal("new envelopes must be sealed under the latest key")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	v := newTestVault(t, 1)

	for _, input := range []string{
		"",
		"plaintext",
		"sr$payload",       // no version number
		"sr0$payload",      // version below 1
		"sr1$not-base64!!", // bad payload encoding
		"sr1$" + base64.StdEncoding.EncodeToString([]byte("short")),  // shorter than a nonce
		"sr9$" + base64.StdEncoding.EncodeToString(make([]byte, 40)), // unknown version
	} {
		if _, err := v.Decrypt(input); err == nil {
			t.Fatalf("Decrypt(%q) succeeded, expected error", input)
		}
	}
}

func TestTamperedEnvelopeFails(t *testing.T) {
	v := newTestVault(t, 1)
	sealed := mustEncrypt(t, v, "secret")

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "sr1$"))
	raw[len(raw)-1] ^= 0xFF
	tampered := "sr1$" + base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(tampered); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func mustEncrypt(t *testing.T, v *Vault, plaintext string) string {
	t.Helper()
	sealed, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return sealed
}
