// Package secrets handles field-level encryption of sensitive values inside
// monitor and channel config JSON. Whole-column encryption (db.EncryptedString)
// covers blobs that are opaque to the core; this package covers the case where
// a config document is mostly plaintext but individual fields (passwords, API
// keys, private keys) must be sealed at rest.
//
// Sealed values are stored in place as "enc:" + base64(nonce + ciphertext),
// using the same AES-256-GCM key as db.EncryptedString. The prefix makes
// sealed and plaintext values distinguishable, so configs written before
// sealing was enabled keep working and Resolve is idempotent.
//
// Resolution happens at the edge of execution: the check runner resolves a
// job's config immediately before invoking the executor, and the probe claim
// handler resolves immediately before handing the job to a probe. Resolved
// values must never be written back to the database or held beyond the job.
package secrets

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// Prefix marks a sealed value. Everything after it is the base64 form
// produced by db.Encrypt.
const Prefix = "enc:"

// sensitiveSuffixes are matched case-insensitively against config keys.
// A key is sensitive when it equals a suffix or ends with it in camelCase
// or snake_case form ("password", "smtpPassword", "api_key", "bindPassword").
var sensitiveSuffixes = []string{
	"password",
	"passphrase",
	"apikey",
	"api_key",
	"token",
	"secret",
	"privatekey",
	"private_key",
	"accesskey",
	"access_key",
	"webhookurl",
	"webhook_url",
}

// IsSensitive reports whether a config key names a value that must be sealed
// at rest.
func IsSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// IsSealed reports whether a value carries the sealed-value prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// SealValue encrypts a single plaintext value. Sealing an already-sealed
// value is a no-op, so callers may re-seal a config without tracking which
// fields changed.
func SealValue(plain string) (string, error) {
	if plain == "" || IsSealed(plain) {
		return plain, nil
	}
	sealed, err := db.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("secrets: seal value: %w", err)
	}
	return Prefix + sealed, nil
}

// ResolveValue decrypts a single sealed value. Plaintext values pass through
// unchanged.
func ResolveValue(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	plain, err := db.Decrypt(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: resolve value: %w", err)
	}
	return plain, nil
}

// Seal walks a decoded config document and seals every string leaf stored
// under a sensitive key, in place. Nested objects and arrays are traversed.
func Seal(cfg map[string]interface{}) error {
	return walk(cfg, func(key, value string) (string, error) {
		if !IsSensitive(key) {
			return value, nil
		}
		return SealValue(value)
	})
}

// Resolve walks a decoded config document and resolves every sealed string
// leaf, in place. Key names are ignored on resolution: any value carrying
// the prefix is decrypted, so renamed fields cannot strand ciphertext.
func Resolve(cfg map[string]interface{}) error {
	return walk(cfg, func(_, value string) (string, error) {
		return ResolveValue(value)
	})
}

// ResolveJSON decodes a raw config document and resolves its sealed values.
// A nil or empty document yields a nil map.
func ResolveJSON(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("secrets: decode config: %w", err)
	}
	if err := Resolve(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// walk applies fn to every string leaf of a config document, replacing the
// leaf with fn's result. Maps and slices are traversed recursively; slice
// elements inherit the key of the field that holds the slice.
func walk(cfg map[string]interface{}, fn func(key, value string) (string, error)) error {
	for key, value := range cfg {
		replaced, err := walkValue(key, value, fn)
		if err != nil {
			return err
		}
		cfg[key] = replaced
	}
	return nil
}

func walkValue(key string, value interface{}, fn func(key, value string) (string, error)) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return fn(key, v)
	case map[string]interface{}:
		if err := walk(v, fn); err != nil {
			return nil, err
		}
		return v, nil
	case []interface{}:
		for i, elem := range v {
			replaced, err := walkValue(key, elem, fn)
			if err != nil {
				return nil, err
			}
			v[i] = replaced
		}
		return v, nil
	default:
		return value, nil
	}
}
