// Package crypto implements the CryptoPrimitives component: canonical JSON
// encoding, SHA-256 content hashing, and Ed25519 signing/verification. Every
// other component that needs a content hash or a signature goes through here
// so the definition of "canonical" never drifts between callers.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical returns the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace, matching anumate_crypto.canonical_json_serialize
// (json.dumps(data, sort_keys=True, separators=(",", ":"))).
func Canonical(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: normalize for canonical json: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, fmt.Errorf("crypto: encode canonical json: %w", err)
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json to obtain a generic
// map[string]any/[]any/scalar tree, since Go struct field order otherwise
// depends on the type definition rather than a sorted key order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// encode writes v to buf using sorted object keys and compact separators.
func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// SHA256HashJSON canonicalizes v and returns its SHA-256 hex digest, the
// primitive behind plan_hash and receipt content hashing.
func SHA256HashJSON(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}

// KeyPair wraps an Ed25519 signing key pair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 key pair, for development and
// tests; production keys are loaded via LoadPrivateKey/LoadPublicKey from
// infra.Config.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// LoadPrivateKey decodes a base64 raw (non-PEM) Ed25519 seed or private key.
func LoadPrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("crypto: invalid ed25519 private key length %d", len(raw))
	}
}

// LoadPublicKey decodes a base64 raw Ed25519 public key.
func LoadPublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: invalid ed25519 public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Sign signs data with priv and returns a base64url (no padding) signature.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	sig := ed25519.Sign(priv, data)
	return base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks a base64url signature produced by Sign against data.
func Verify(pub ed25519.PublicKey, data []byte, sigB64 string) (bool, error) {
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}
