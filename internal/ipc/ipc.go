// Package ipc signs and verifies messages exchanged with worker
// subprocesses.
//
// A signed message is a JSON object carrying an _hmac field: the
// HMAC-SHA256 (hex) of the canonical JSON encoding of the object with
// _hmac removed. Canonical here means encoding/json's map marshalling,
// which sorts object keys. Verification uses a constant-time compare.
package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FieldHMAC is the signature field name on signed messages.
const FieldHMAC = "_hmac"

const secretFile = "ipc_secret"

var (
	// ErrBadSignature is returned when a message's signature does not
	// match its content.
	ErrBadSignature = errors.New("ipc: bad signature")
	// ErrUnsigned is returned when a message has no signature field.
	ErrUnsigned = errors.New("ipc: message not signed")
)

// Secret is the shared HMAC key. It is generated once and persisted with
// mode 0600 under the store directory.
type Secret []byte

// LoadOrCreateSecret reads the secret from dir, generating and
// persisting a fresh 32-byte key on first run.
func LoadOrCreateSecret(dir string) (Secret, error) {
	path := filepath.Join(dir, secretFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(string(raw))
		if decErr != nil || len(key) == 0 {
			return nil, fmt.Errorf("ipc secret file %s is corrupt", path)
		}
		return Secret(key), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read ipc secret: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ipc secret: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("persist ipc secret: %w", err)
	}
	return Secret(key), nil
}

// Sign returns obj extended with its _hmac field. The input map is not
// modified.
func Sign(obj map[string]any, key Secret) (map[string]any, error) {
	mac, err := digest(obj, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out[FieldHMAC] = mac
	return out, nil
}

// Verify checks a signed message. On success it returns the payload with
// the signature field removed.
func Verify(obj map[string]any, key Secret) (map[string]any, error) {
	sig, ok := obj[FieldHMAC].(string)
	if !ok || sig == "" {
		return nil, ErrUnsigned
	}

	payload := make(map[string]any, len(obj)-1)
	for k, v := range obj {
		if k == FieldHMAC {
			continue
		}
		payload[k] = v
	}

	want, err := digest(payload, key)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return nil, ErrBadSignature
	}
	return payload, nil
}

// VerifyRaw parses a JSON object and verifies its signature.
func VerifyRaw(raw []byte, key Secret) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("ipc: parse message: %w", err)
	}
	return Verify(obj, key)
}

func digest(payload map[string]any, key Secret) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ipc: canonicalize: %w", err)
	}
	h := hmac.New(sha256.New, key)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
