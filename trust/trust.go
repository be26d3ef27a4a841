// Package trust verifies dependency metadata with a keyed HMAC signature.
// Notebooks can declare packages that get installed when a runtime starts;
// signing only the dependency-related metadata with a per-machine key means a
// notebook stays trusted while its code is edited, but any external change to
// its dependencies requires re-approval. The sync core consumes this purely
// as a pass/fail gate; it never affects merge correctness.
package trust

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Status classifies a notebook's trust state.
type Status string

const (
	// Trusted means the signature matches the current dependency metadata.
	Trusted Status = "trusted"
	// Untrusted means no signature is present (new or external notebook).
	Untrusted Status = "untrusted"
	// SignatureInvalid means a signature is present but does not match,
	// which indicates external modification of the dependency fields.
	SignatureInvalid Status = "signature_invalid"
	// NoDependencies means there is nothing to verify.
	NoDependencies Status = "no_dependencies"
)

// Metadata keys that participate in signing. Cell contents never do.
var signedKeys = []string{"deps.pip", "deps.conda", "deps.channels"}

// SignatureKey is the metadata key the signature is stored under.
const SignatureKey = "trust.signature"

const keySize = 32

// Keychain holds the per-machine signing key.
type Keychain struct {
	key []byte
}

// LoadKeychain reads the trust key from dir, generating one on first use.
// The key never leaves the machine.
func LoadKeychain(dir string) (*Keychain, error) {
	path := filepath.Join(dir, "trust-key")
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != keySize {
			return nil, fmt.Errorf("trust key at %s has wrong size %d", path, len(data))
		}
		return &Keychain{key: data}, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate trust key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create trust key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write trust key: %w", err)
	}
	return &Keychain{key: key}, nil
}

// NewKeychain wraps an explicit key, for tests.
func NewKeychain(key []byte) *Keychain {
	return &Keychain{key: key}
}

// signable extracts the dependency fields in a canonical order.
func signable(metadata map[string]string) ([]byte, bool) {
	picked := make(map[string]string)
	for _, k := range signedKeys {
		if v, ok := metadata[k]; ok && v != "" {
			picked[k] = v
		}
	}
	if len(picked) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(picked))
	for k := range picked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, picked[k])
	}
	data, _ := json.Marshal(ordered)
	return data, true
}

// Sign computes the signature over the dependency metadata. Returns an empty
// string when there are no dependencies to sign.
func (k *Keychain) Sign(metadata map[string]string) string {
	content, ok := signable(metadata)
	if !ok {
		return ""
	}
	mac := hmac.New(sha256.New, k.key)
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature stored in the metadata against the current
// dependency fields.
func (k *Keychain) Verify(metadata map[string]string) Status {
	if _, ok := signable(metadata); !ok {
		return NoDependencies
	}
	sig := metadata[SignatureKey]
	if sig == "" {
		return Untrusted
	}
	want := k.Sign(metadata)
	if hmac.Equal([]byte(sig), []byte(want)) {
		return Trusted
	}
	return SignatureInvalid
}

// IsTrusted is the boolean gate the execution boundary consumes: only
// notebooks with nothing to install or a valid signature may run without
// prompting.
func (k *Keychain) IsTrusted(metadata map[string]string) bool {
	s := k.Verify(metadata)
	return s == Trusted || s == NoDependencies
}
