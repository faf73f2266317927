package adapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSyncStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.json")

	store := newFileSyncStore(path)
	assert.Empty(t, store.LoadNextBatch("@registrar:example.org"))

	store.SaveFilterID("@registrar:example.org", "filter-1")
	store.SaveNextBatch("@registrar:example.org", "s123_456")

	// A new store over the same file resumes from the persisted token.
	reopened := newFileSyncStore(path)
	assert.Equal(t, "filter-1", reopened.LoadFilterID("@registrar:example.org"))
	assert.Equal(t, "s123_456", reopened.LoadNextBatch("@registrar:example.org"))
}

func TestFileSyncStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store := newFileSyncStore(path)
	assert.Empty(t, store.LoadNextBatch("@registrar:example.org"))
}
