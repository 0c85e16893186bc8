package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks values produced by Keyring.Seal.
const sealedPrefix = "sealed:v1:"

var (
	ErrKeyNotFound    = errors.New("key not found in keyring")
	ErrActiveKeyUnset = errors.New("active key identifier not set or found")
	ErrNotSealed      = errors.New("value is not sealed")
)

// Keyring holds every key that may still decrypt stored values. New values
// are always sealed with the active key.
type Keyring struct {
	keys      map[string][]byte
	activeKID string
}

// NewKeyring decodes base64 keys indexed by kid.
func NewKeyring(keys map[string]string, activeKID string) (*Keyring, error) {
	if activeKID == "" {
		return nil, ErrActiveKeyUnset
	}
	k := &Keyring{keys: make(map[string][]byte, len(keys)), activeKID: activeKID}
	for kid, material := range keys {
		if kid == "" || strings.Contains(kid, ":") {
			return nil, fmt.Errorf("invalid key id %q", kid)
		}
		decoded, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 for key %s: %w", kid, err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("invalid key length for %s: expected 32 bytes (AES-256), got %d", kid, len(decoded))
		}
		k.keys[kid] = decoded
	}
	if _, ok := k.keys[activeKID]; !ok {
		return nil, fmt.Errorf("active key %s: %w", activeKID, ErrKeyNotFound)
	}
	return k, nil
}

// Seal encrypts plaintext bound to aad and returns a printable value.
func (k *Keyring) Seal(plaintext string, aad []byte) (string, error) {
	sealed, err := EncryptGCM(k.keys[k.activeKID], []byte(plaintext), aad)
	if err != nil {
		return "", err
	}
	return sealedPrefix + k.activeKID + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// Open decrypts a value produced by Seal with any key still in the ring.
func (k *Keyring) Open(value string, aad []byte) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}
	kid, body, ok := strings.Cut(strings.TrimPrefix(value, sealedPrefix), ":")
	if !ok {
		return "", ErrDecryption
	}
	key, found := k.keys[kid]
	if !found {
		return "", fmt.Errorf("%s: %w", kid, ErrKeyNotFound)
	}
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return "", ErrDecryption
	}
	plaintext, err := DecryptGCM(key, raw, aad)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ActiveKID is the key new values are sealed with.
func (k *Keyring) ActiveKID() string {
	return k.activeKID
}
