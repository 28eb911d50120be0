// Package crypto encrypts per-user exchange credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// KeySize is the required size for AES-256 keys.
const KeySize = 32

// envelopePrefix tags ciphertexts produced by this package. Full envelope:
// sr<version>$<base64(nonce || sealed)>.
const envelopePrefix = "sr"

var (
	ErrKeyNotFound       = errors.New("crypto: no master key in environment")
	ErrInvalidKey        = errors.New("crypto: master key must decode to 32 bytes")
	ErrInvalidCiphertext = errors.New("crypto: not a sealed credential envelope")
	ErrDecryptionFailed  = errors.New("crypto: envelope failed authentication")
)

// Vault seals and opens secrets with AES-256-GCM. Each ciphertext records the
// key version that sealed it, so rotating to a new MASTER_ENCRYPTION_KEY_V<n>
// never strands old rows: they stay readable under their original key.
type Vault struct {
	mu      sync.RWMutex
	sealers map[int]cipher.AEAD
	latest  int
}

// NewVault reads master keys from the environment: MASTER_ENCRYPTION_KEY is
// version 1 and required; MASTER_ENCRYPTION_KEY_V2, _V3, ... extend the chain
// and stop at the first gap.
func NewVault() (*Vault, error) {
	v := &Vault{sealers: make(map[int]cipher.AEAD)}

	sealer, err := sealerFromEnv("MASTER_ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}
	v.sealers[1] = sealer
	v.latest = 1

	for ver := 2; ; ver++ {
		sealer, err := sealerFromEnv(fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", ver))
		if errors.Is(err, ErrKeyNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", ver, err)
		}
		v.sealers[ver] = sealer
		v.latest = ver
	}

	return v, nil
}

func sealerFromEnv(envName string) (cipher.AEAD, error) {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return nil, ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s is not base64: %w", envName, err)
	}
	return newSealer(key)
}

func newSealer(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the newest key.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	ver := v.latest
	sealer := v.sealers[ver]
	v.mu.RUnlock()
	if sealer == nil {
		return "", ErrKeyNotFound
	}

	nonce := make([]byte, sealer.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := append(nonce, sealer.Seal(nil, nonce, []byte(plaintext), nil)...)
	return envelopePrefix + strconv.Itoa(ver) + "$" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt, picking the key version
// named in its tag.
func (v *Vault) Decrypt(envelope string) (string, error) {
	ver, payload, err := splitEnvelope(envelope)
	if err != nil {
		return "", err
	}

	v.mu.RLock()
	sealer := v.sealers[ver]
	v.mu.RUnlock()
	if sealer == nil {
		return "", fmt.Errorf("crypto: no key loaded for version %d", ver)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(raw) <= sealer.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := sealer.Open(nil, raw[:sealer.NonceSize()], raw[sealer.NonceSize():], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// splitEnvelope takes "sr<ver>$<payload>" apart.
func splitEnvelope(envelope string) (version int, payload string, err error) {
	tag, payload, ok := strings.Cut(envelope, "$")
	if !ok || !strings.HasPrefix(tag, envelopePrefix) {
		return 0, "", ErrInvalidCiphertext
	}
	version, err = strconv.Atoi(tag[len(envelopePrefix):])
	if err != nil || version < 1 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, payload, nil
}

// CurrentVersion reports the key version new envelopes are sealed under.
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.latest
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded for the
// environment.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
