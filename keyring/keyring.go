// Package keyring holds the named HMAC keys used to authenticate the
// inter-process link. At most eight keys are resident; slot zero is the
// default sender key.
package keyring

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxKeys is the number of resident key slots.
	MaxKeys = 8
	// MaxKeyLen bounds the decoded key material.
	MaxKeyLen = 64

	// EnvKeyID and EnvKeyB64 name the environment override for the default
	// sender key. Callers that persist the override read the same variables.
	EnvKeyID  = "S2S_KEY_ID"
	EnvKeyB64 = "S2S_KEY_B64"
)

// Key is a named HMAC key.
type Key struct {
	ID     string
	Secret []byte
}

// Source provides persisted key material. It is implemented by the store.
type Source interface {
	// ActiveDefaultKey returns the active default-sender key, or
	// ("", "", nil) when none exists.
	ActiveDefaultKey(ctx context.Context) (keyID, keyB64 string, err error)
	// GenerateDefaultKey inserts a fresh placeholder default key.
	GenerateDefaultKey(ctx context.Context) error
}

// Ring is the in-process keyring. Reads are frequent and serialized writes
// happen only at install time.
type Ring struct {
	mu   sync.RWMutex
	keys []Key
}

func NewRing() *Ring { return &Ring{} }

// InstallFromEnv installs the key named by S2S_KEY_ID / S2S_KEY_B64 into
// slot zero, displacing any DB-installed default. It returns false when the
// environment names no key.
func (r *Ring) InstallFromEnv() (bool, error) {
	var id, b64 = os.Getenv(EnvKeyID), os.Getenv(EnvKeyB64)
	if id == "" || b64 == "" {
		return false, nil
	}
	var secret, err = DecodeKeyB64(b64)
	if err != nil {
		return false, fmt.Errorf("decoding %s: %w", EnvKeyB64, err)
	}
	if err = r.installDefault(Key{ID: id, Secret: secret}); err != nil {
		return false, err
	}
	log.WithField("keyID", id).Info("installed S2S key from environment")
	return true, nil
}

// InstallDefaultFromDB loads the active default key from |src|. If the DB has
// none, it generates a placeholder once and retries; a second miss is an
// error, fatal to any component that requires the transport.
func (r *Ring) InstallDefaultFromDB(ctx context.Context, src Source) error {
	for attempt := 0; attempt != 2; attempt++ {
		var id, b64, err = src.ActiveDefaultKey(ctx)
		if err != nil {
			return fmt.Errorf("loading default key: %w", err)
		}
		if id == "" {
			if attempt == 1 {
				return fmt.Errorf("no active S2S key after placeholder generation")
			}
			log.Warn("no active S2S key in database; generating placeholder")
			if err = src.GenerateDefaultKey(ctx); err != nil {
				return fmt.Errorf("generating placeholder key: %w", err)
			}
			continue
		}
		var secret []byte
		if secret, err = DecodeKeyB64(b64); err != nil {
			return fmt.Errorf("decoding stored key %q: %w", id, err)
		}
		return r.installDefault(Key{ID: id, Secret: secret})
	}
	panic("not reached")
}

// Install adds a non-default key to the ring.
func (r *Ring) Install(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.keys {
		if r.keys[i].ID == key.ID {
			r.keys[i] = key
			return nil
		}
	}
	if len(r.keys) == MaxKeys {
		return fmt.Errorf("keyring is full (%d keys)", MaxKeys)
	}
	r.keys = append(r.keys, key)
	return nil
}

func (r *Ring) installDefault(key Key) error {
	if len(key.Secret) == 0 || len(key.Secret) > MaxKeyLen {
		return fmt.Errorf("key %q has invalid length %d", key.ID, len(key.Secret))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.keys {
		if r.keys[i].ID == key.ID {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	if len(r.keys) == MaxKeys {
		return fmt.Errorf("keyring is full (%d keys)", MaxKeys)
	}
	r.keys = append([]Key{key}, r.keys...)
	return nil
}

// Lookup returns the key named |id|, or false.
func (r *Ring) Lookup(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keys {
		if k.ID == id {
			return k, true
		}
	}
	return Key{}, false
}

// DefaultSenderKey returns the slot-zero key, or false when the ring is empty.
func (r *Ring) DefaultSenderKey() (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return Key{}, false
	}
	return r.keys[0], true
}

const b64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// DecodeKeyB64 decodes strictly: no whitespace, length a multiple of four,
// and trailing '=' padding counted against the length bound.
func DecodeKeyB64(s string) ([]byte, error) {
	if len(s) == 0 || len(s)%4 != 0 {
		return nil, fmt.Errorf("base64 length %d is not a positive multiple of four", len(s))
	}
	var trimmed = strings.TrimRight(s, "=")
	if len(s)-len(trimmed) > 2 {
		return nil, fmt.Errorf("base64 has more than two padding characters")
	}
	for _, c := range trimmed {
		if !strings.ContainsRune(b64Alphabet, c) {
			return nil, fmt.Errorf("base64 contains invalid character %q", c)
		}
	}
	var out, err = base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxKeyLen {
		return nil, fmt.Errorf("decoded key length %d exceeds %d", len(out), MaxKeyLen)
	}
	return out, nil
}
