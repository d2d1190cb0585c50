// Package consumers resolves opaque consumer keys to quota-bearing consumer
// records. Key administration lives outside the job runner; this package only
// reads a static directory.
package consumers

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/buildkite/jobrunner/internal/failure"
)

type Consumer struct {
	ID            string
	MaxConcurrent int
	MaxPerDay     int
	Enabled       bool
}

type Directory interface {
	Lookup(ctx context.Context, key string) (Consumer, error)
}

// Entry is one configured consumer. KeySHA256 is the hex digest of the key.
type Entry struct {
	ID            string
	KeySHA256     string
	MaxConcurrent int
	MaxPerDay     int
	Enabled       bool
}

type Static struct {
	entries []staticEntry
}

type staticEntry struct {
	digest   []byte
	consumer Consumer
}

func NewStatic(entries []Entry) (*Static, error) {
	s := &Static{}
	seen := map[string]bool{}
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("consumer entry is missing id")
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate consumer id %q", id)
		}
		seen[id] = true
		digest, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(e.KeySHA256)))
		if err != nil || len(digest) != sha256.Size {
			return nil, fmt.Errorf("consumer %q: key_sha256 must be 64 hex characters", id)
		}
		if e.MaxConcurrent < 0 || e.MaxPerDay < 0 {
			return nil, fmt.Errorf("consumer %q: limits must not be negative", id)
		}
		s.entries = append(s.entries, staticEntry{
			digest: digest,
			consumer: Consumer{
				ID:            id,
				MaxConcurrent: e.MaxConcurrent,
				MaxPerDay:     e.MaxPerDay,
				Enabled:       e.Enabled,
			},
		})
	}
	return s, nil
}

// Lookup returns the consumer owning key. Disabled consumers are returned
// with an auth error so callers can distinguish 401 from 403.
func (s *Static) Lookup(_ context.Context, key string) (Consumer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Consumer{}, failure.Auth("missing consumer key")
	}
	sum := sha256.Sum256([]byte(key))

	var (
		match Consumer
		found bool
	)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(e.digest, sum[:]) == 1 {
			match = e.consumer
			found = true
		}
	}
	if !found {
		return Consumer{}, failure.Auth("invalid consumer key")
	}
	if !match.Enabled {
		return match, ErrDisabled
	}
	return match, nil
}

// ErrDisabled is returned for a valid key whose consumer is disabled.
var ErrDisabled = &failure.Error{Kind: failure.KindAuth, Message: "consumer is disabled"}

// HashKey returns the hex digest stored in configuration for key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
