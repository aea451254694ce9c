package engine

import "testing"

// SetPurgeBatch shrinks the purge page size for the duration of a test.
func SetPurgeBatch(t testing.TB, n int) {
	old := purgeBatch
	purgeBatch = n
	t.Cleanup(func() { purgeBatch = old })
}
