package lifecycle

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewJobIDUsesTypeID(t *testing.T) {
	id := newJobID()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), "job"; got != want {
		t.Fatalf("unexpected generated id prefix: got %q want %q", got, want)
	}
}

func TestNewJobIDsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newJobID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewIDFallsBackWhenGeneratorFails(t *testing.T) {
	originalGenerator := generateTypeID
	t.Cleanup(func() {
		generateTypeID = originalGenerator
	})

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	id := newJobID()
	if !strings.HasPrefix(id, "job-") {
		t.Fatalf("expected fallback id shape, got %q", id)
	}
}
