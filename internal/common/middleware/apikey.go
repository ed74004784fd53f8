package middleware

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey is returned for keys that match no configured entry.
var ErrInvalidAPIKey = errors.New("invalid api key")

type apiKeyEntry struct {
	tenantID string
	userID   string
	hash     []byte
}

type principal struct {
	tenantID string
	userID   string
}

// APIKeyRing validates keys against bcrypt hashes loaded from configuration.
// Each entry has the form "<client-id|*>:<user-id>:<bcrypt-hash>". Verified
// keys are remembered by digest so bcrypt runs once per key per process.
type APIKeyRing struct {
	entries  []apiKeyEntry
	mu       sync.RWMutex
	verified map[[32]byte]principal
}

// ParseAPIKeyRing parses configured key entries.
func ParseAPIKeyRing(specs []string) (*APIKeyRing, error) {
	ring := &APIKeyRing{verified: make(map[[32]byte]principal)}
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("api key entry %q: want tenant:user:hash", redactSpec(spec))
		}
		if _, err := bcrypt.Cost([]byte(parts[2])); err != nil {
			return nil, fmt.Errorf("api key entry for user %s: %w", parts[1], err)
		}
		ring.entries = append(ring.entries, apiKeyEntry{
			tenantID: parts[0],
			userID:   parts[1],
			hash:     []byte(parts[2]),
		})
	}
	return ring, nil
}

// Len returns the number of configured keys.
func (k *APIKeyRing) Len() int { return len(k.entries) }

// Validate implements APIKeyValidator.
func (k *APIKeyRing) Validate(_ context.Context, apiKey string) (string, string, error) {
	if apiKey == "" {
		return "", "", ErrInvalidAPIKey
	}
	digest := sha256.Sum256([]byte(apiKey))

	k.mu.RLock()
	p, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return p.tenantID, p.userID, nil
	}

	for _, e := range k.entries {
		if bcrypt.CompareHashAndPassword(e.hash, []byte(apiKey)) == nil {
			k.mu.Lock()
			k.verified[digest] = principal{tenantID: e.tenantID, userID: e.userID}
			k.mu.Unlock()
			return e.tenantID, e.userID, nil
		}
	}
	return "", "", ErrInvalidAPIKey
}

func redactSpec(spec string) string {
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		return spec[:i] + ":***"
	}
	return "***"
}
