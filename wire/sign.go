package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/twclone/twclone/keyring"
)

// Signing computes HMAC-SHA-256 over the object serialized to compact JSON
// *without* the key_id and sig fields. Go's map marshaling orders keys, so
// both ends serialize identically.

func canonicalize(obj map[string]interface{}) ([]byte, error) {
	var clone = make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "key_id" || k == "sig" {
			continue
		}
		clone[k] = v
	}
	var bytes, err = json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing object: %w", err)
	}
	return bytes, nil
}

func sign(obj map[string]interface{}, key keyring.Key) error {
	var canonical, err = canonicalize(obj)
	if err != nil {
		return err
	}
	var mac = hmac.New(sha256.New, key.Secret)
	mac.Write(canonical)

	obj["key_id"] = key.ID
	obj["sig"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return nil
}

func verify(obj map[string]interface{}, ring *keyring.Ring) error {
	keyID, _ := obj["key_id"].(string)
	sigB64, _ := obj["sig"].(string)
	if keyID == "" || sigB64 == "" {
		return ErrAuthRequired
	}
	var key, ok = ring.Lookup(keyID)
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrAuthBad, keyID)
	}
	var sig, err = base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature", ErrAuthBad)
	}
	var canonical []byte
	if canonical, err = canonicalize(obj); err != nil {
		return err
	}
	var mac = hmac.New(sha256.New, key.Secret)
	mac.Write(canonical)

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return fmt.Errorf("%w: key %q", ErrAuthBad, keyID)
	}
	return nil
}
