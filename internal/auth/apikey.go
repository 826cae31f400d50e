package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// APIKeyRecord is one configured API key entry: its stored hash and the
// identity it resolves to.
type APIKeyRecord struct {
	Hash     string
	Identity Identity
	Revoked  bool
}

// KeyStore looks up API key records, keyed by their SHA-256 hash for the
// fast path and by full enumeration for the Argon2id fallback path.
type KeyStore interface {
	// LookupByHash returns the record whose SHA-256 hash matches, if any.
	LookupByHash(hash string) (*APIKeyRecord, bool)
	// All returns every configured record, for Argon2id verification.
	All() []*APIKeyRecord
}

// argon2idParams follows OWASP's minimum recommendation for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// APIKeyProvider authenticates raw API keys against a KeyStore.
type APIKeyProvider struct {
	store KeyStore
}

// NewAPIKeyProvider builds an APIKeyProvider backed by the given store.
func NewAPIKeyProvider(store KeyStore) *APIKeyProvider {
	return &APIKeyProvider{store: store}
}

func (p *APIKeyProvider) Name() string { return "api_key" }

// Authenticate validates a raw API key and returns its identity.
//
// It first tries a direct SHA-256 lookup (the fast path for config-seeded
// keys), then falls back to iterating every record and verifying with
// VerifyKey, which also supports Argon2id-hashed keys.
func (p *APIKeyProvider) Authenticate(_ context.Context, credential []byte) (*Identity, error) {
	rawKey := strings.TrimSpace(string(credential))
	if rawKey == "" {
		return nil, newErr(ErrMissingCredentials, "empty api key", nil)
	}

	if rec, ok := p.store.LookupByHash(HashKey(rawKey)); ok {
		return resolveRecord(rec)
	}

	for _, rec := range p.store.All() {
		match, err := VerifyKey(rawKey, rec.Hash)
		if err != nil {
			continue
		}
		if match {
			return resolveRecord(rec)
		}
	}

	return nil, newErr(ErrInvalidAPIKey, "no matching key", nil)
}

func resolveRecord(rec *APIKeyRecord) (*Identity, error) {
	if rec.Revoked {
		return nil, newErr(ErrInvalidAPIKey, "key revoked", nil)
	}
	id := rec.Identity
	return &id, nil
}

// HashKey returns the SHA-256 hex hash of the raw key, used for the
// fast-path config-seeded key lookup.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// HashKeyArgon2id returns an Argon2id PHC-format hash of the raw key,
// for keys that should resist offline brute force if the store leaks.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the hash algorithm of a stored hash string.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies a raw key against a stored hash, supporting Argon2id
// (PHC format), prefixed SHA-256, and legacy bare SHA-256 hex.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)

	case "sha256":
		expectedHash := strings.TrimPrefix(storedHash, "sha256:")
		computedHash := HashKey(rawKey)
		return subtle.ConstantTimeCompare([]byte(computedHash), []byte(expectedHash)) == 1, nil

	default:
		return false, fmt.Errorf("unknown hash type for stored key")
	}
}

// safeArgon2idCompare recovers from the underlying library's panics on
// malformed PHC parameters (e.g. t=0) and turns them into plain errors.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
