// Test helpers for packages that need a live store. In-memory databases
// keep these tests fast and hermetic; cleanup is registered on the test.
package state

import (
	"testing"
)

// NewTestStore creates an in-memory store with migrations applied. The
// store is closed automatically when the test completes.
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
