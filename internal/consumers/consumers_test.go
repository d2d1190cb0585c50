package consumers

import (
	"context"
	"errors"
	"testing"

	"github.com/buildkite/jobrunner/internal/failure"
)

func TestStaticLookup(t *testing.T) {
	dir, err := NewStatic([]Entry{
		{ID: "team-a", KeySHA256: HashKey("secret-a"), MaxConcurrent: 2, MaxPerDay: 10, Enabled: true},
		{ID: "team-b", KeySHA256: HashKey("secret-b"), MaxConcurrent: 1, MaxPerDay: 1, Enabled: false},
	})
	if err != nil {
		t.Fatalf("NewStatic returned error: %v", err)
	}
	ctx := context.Background()

	got, err := dir.Lookup(ctx, "secret-a")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got.ID != "team-a" || got.MaxConcurrent != 2 || got.MaxPerDay != 10 {
		t.Fatalf("unexpected consumer: %+v", got)
	}

	if _, err := dir.Lookup(ctx, "secret-b"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
	if _, err := dir.Lookup(ctx, "nope"); !failure.Is(err, failure.KindAuth) {
		t.Fatalf("expected auth error for unknown key, got %v", err)
	}
	if _, err := dir.Lookup(ctx, ""); !failure.Is(err, failure.KindAuth) {
		t.Fatalf("expected auth error for empty key, got %v", err)
	}
}

func TestNewStaticRejectsBadEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []Entry
	}{
		{name: "missing id", entries: []Entry{{KeySHA256: HashKey("k")}}},
		{name: "short digest", entries: []Entry{{ID: "a", KeySHA256: "abcd"}}},
		{name: "duplicate", entries: []Entry{{ID: "a", KeySHA256: HashKey("1")}, {ID: "a", KeySHA256: HashKey("2")}}},
		{name: "negative limit", entries: []Entry{{ID: "a", KeySHA256: HashKey("1"), MaxPerDay: -1}}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewStatic(tc.entries); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}
