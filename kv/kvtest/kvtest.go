// Package kvtest provides a reusable conformance suite for kv.Store
// implementations. Backend packages call Run from their own tests.
package kvtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/curia-network/embedhost/kv"
)

// Factory builds a fresh, empty store for one test. Cleanup is handled via
// t.Cleanup by the factory.
type Factory func(t *testing.T) kv.Store

// Run executes the conformance suite against the given factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetAbsent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		got, err := s.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got != nil {
			t.Fatalf("Get() of absent key returned %q, want nil", got)
		}
	})

	t.Run("SetGetRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		want := []byte(`{"sessions":[]}`)

		if err := s.Set(ctx, "snapshot", want); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		got, err := s.Get(ctx, "snapshot")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get() = %q, want %q", got, want)
		}
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("v1")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		if err := s.Set(ctx, "k", []byte("v2")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if string(got) != "v2" {
			t.Fatalf("Get() = %q, want v2 (last writer wins)", got)
		}
	})

	t.Run("DeleteRemoves", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got != nil {
			t.Fatalf("Get() after Delete() = %q, want nil", got)
		}
	})

	t.Run("DeleteAbsentIsNoop", func(t *testing.T) {
		s := factory(t)
		if err := s.Delete(context.Background(), "never-set"); err != nil {
			t.Fatalf("Delete() of absent key failed: %v", err)
		}
	})
}
