package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrUnknownKey        = errors.New("signature key id is unknown")
)

// Keyring signs record hashes with HMAC-SHA256 using a per-chain key derived
// from a root key. Old keys stay available for verification after rotation.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
	require     bool
}

// NewKeyring builds a keyring from id -> secret pairs.
func NewKeyring(keys map[string]string, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	root := make(map[string][]byte, len(keys))
	for id, secret := range keys {
		if strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("hmac key %q is empty", id)
		}
		root[strings.TrimSpace(id)] = []byte(secret)
	}
	if _, ok := root[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id %q is not configured", activeKeyID)
	}
	return &Keyring{keys: root, activeKeyID: activeKeyID}, nil
}

// RequireAll makes verification reject unsigned records.
func (k *Keyring) RequireAll() *Keyring {
	k.require = true
	return k
}

func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// SignRecord returns the signature and key id for a record hash.
func (k *Keyring) SignRecord(chainID, hash string) (string, string, error) {
	if k == nil {
		return "", "", fmt.Errorf("hmac keyring is not configured")
	}
	key, err := k.chainKey(k.activeKeyID, chainID)
	if err != nil {
		return "", "", err
	}
	return hmacHex(key, hash), k.activeKeyID, nil
}

func (k *Keyring) VerifyRecord(chainID, hash, signature, keyID string) error {
	if k == nil {
		return fmt.Errorf("hmac keyring is not configured")
	}
	key, err := k.chainKey(strings.TrimSpace(keyID), chainID)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(hmacHex(key, hash)), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (k *Keyring) RequireSignatures() bool {
	return k != nil && k.require
}

func (k *Keyring) chainKey(keyID, chainID string) ([]byte, error) {
	root, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return nil, fmt.Errorf("chain id is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, []byte("chain:"+chainID)), key); err != nil {
		return nil, fmt.Errorf("derive chain key: %w", err)
	}
	return key, nil
}

func hmacHex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
