package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resilient-fetch/internal/storage/local"
	"github.com/JakeFAU/resilient-fetch/internal/storage/memory"
)

func TestOpenLocalAndMemory(t *testing.T) {
	t.Parallel()

	store, closer, err := Open(context.Background(), Config{Backend: "local", BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &local.BlobStore{}, store)
	assert.NoError(t, closer.Close())

	store, closer, err = Open(context.Background(), Config{Backend: "MEMORY"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.BlobStore{}, store)
	assert.NoError(t, closer.Close())
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, closer, err := Open(context.Background(), Config{Backend: "ftp"}, nil)
	assert.Error(t, err)
	assert.NotNil(t, closer)

	_, _, err = Open(context.Background(), Config{Backend: BackendLocal}, nil)
	assert.Error(t, err)

	_, _, err = Open(context.Background(), Config{Backend: BackendS3}, nil)
	assert.Error(t, err)

	_, _, err = Open(context.Background(), Config{Backend: BackendGCS}, nil)
	assert.Error(t, err)
}
