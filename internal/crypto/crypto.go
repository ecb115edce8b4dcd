// Package crypto provides the cryptographic primitives behind device
// provisioning, state content hashing, and credential hashing (spec §4.2).
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"
)

// rsaKeyBits sizes the platform bootstrap key pair used to wrap phase-2
// registration payloads.
const rsaKeyBits = 3072

// KeyPair is an asymmetric key pair suitable for wrapping short payloads.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair returns a fresh RSA key pair for the bootstrap handshake.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// EncodePublicKeyPEM renders a public key in the PEM-equivalent wire form
// returned to devices in the phase-1 response.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// DecodePublicKeyPEM parses a PEM-equivalent public key as presented by a
// device during phase 1 key exchange.
func DecodePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode public key: not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// DecodePrivateKeyPEM parses the platform's bootstrap private key from its
// PEM-equivalent stored form (spec §6.5 `provisioning.platform_private_key`).
func DecodePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode private key: not PEM encoded")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		rsaKey, ok := key8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}
	return key, nil
}

// Wrap encrypts plaintext for pub using RSA-OAEP with SHA-256.
func Wrap(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	return ciphertext, nil
}

// Unwrap decrypts ciphertext with priv using RSA-OAEP with SHA-256. Any
// padding or length mismatch is reported as a single opaque failure so no
// padding-oracle signal leaks to the caller.
func Unwrap(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	return plaintext, nil
}

// HashPassword produces a salted, slow hash suitable for storing MQTT and
// API credential secrets at rest. bcrypt's default cost targets tens of
// milliseconds per verification on commodity hardware.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches the stored hash.
func VerifyPassword(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// HashToken produces the one-way hash stored for provisioning tokens.
// Tokens are high-entropy bearer strings, not user-chosen passwords, so a
// fast digest is appropriate rather than bcrypt's deliberately slow KDF
// (which would throttle legitimate high-volume enrollment as hard as it
// throttles guessing). Comparison at the call site must still be
// constant-time (see identity.ValidateProvisioningToken).
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return fmt.Sprintf("%x", sum)
}

// canonicalValue recursively sorts map keys so that two structurally equal
// JSON values serialize to byte-identical output regardless of map
// iteration order.
func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalValue(t[k])
		}
		return orderedMap{keys: keys, values: out}
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = canonicalValue(item)
		}
		return out
	default:
		return v
	}
}

// orderedMap marshals to JSON preserving the explicit sorted key order
// established by canonicalValue. encoding/json happens to sort
// map[string]any keys itself, but that ordering isn't contractual;
// carrying an explicit order keeps the content hash independent of
// encoding/json's internal implementation.
type orderedMap struct {
	keys   []string
	values map[string]any
}

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range o.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		valJSON, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// HashState computes the content hash (spec §4.6) over a device's apps and
// config objects: canonical serialization with lexicographically sorted
// keys at every depth, then SHA-256, hex-encoded to 64 characters.
func HashState(apps, config map[string]any) (string, error) {
	canonical := map[string]any{
		"apps":   apps,
		"config": config,
	}
	encoded, err := json.Marshal(canonicalValue(canonical))
	if err != nil {
		return "", fmt.Errorf("canonicalize state: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return fmt.Sprintf("%x", sum), nil
}
