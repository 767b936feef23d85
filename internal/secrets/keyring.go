package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Prefix marks an encrypted credential value inside the provider config file.
// The wire form is enc:<key-id>:<nonce-b64>:<ciphertext-b64>.
const Prefix = "enc:"

// Keyring seals and opens provider API credentials with AES-GCM master keys.
// Multiple keys allow rotation: new values seal with the current key, old
// values still open with the key named in their envelope.
type Keyring struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentKeyID: currentKeyID, keys: cp}, nil
}

// Seal encrypts a credential into the enc: wire form.
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := k.aead(k.currentKeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return Prefix + k.currentKeyID + ":" +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts an enc: value. Values without the prefix pass through
// unchanged, so plaintext keys in the config file keep working.
func (k *Keyring) Open(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	if k == nil {
		return "", fmt.Errorf("encrypted credential but no keyring configured")
	}
	parts := strings.SplitN(strings.TrimPrefix(value, Prefix), ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed encrypted credential")
	}
	keyID := parts[0]
	aead, err := k.aead(keyID)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return string(pt), nil
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
