package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestObjectStore(t *testing.T) (*LocalObjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	objectStore, err := NewLocalObjectStore(dir)
	require.NoError(t, err)
	return objectStore, dir
}

func TestLocalObjectStore_PutObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	content := []byte("label,combination,fold\n")
	err := objectStore.PutObject(context.Background(), "checkpoints", "job-1/results.csv", bytes.NewReader(content))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, "checkpoints", "job-1", "results.csv"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalObjectStore_CreateBucket(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	require.NoError(t, objectStore.CreateBucket(context.Background(), "checkpoints"))
	assert.DirExists(t, filepath.Join(baseDir, "checkpoints"))
}

func TestLocalObjectStore_UploadDir(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "config.yaml"), []byte("method: grid"), os.ModePerm))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "subdir"), os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "subdir", "epoch=0-step=10.ckpt"), []byte("weights"), os.ModePerm))

	err := objectStore.UploadDir(context.Background(), "checkpoints", "runs/0", srcDir)
	require.NoError(t, err)

	// The tree is linked rather than copied.
	linked := filepath.Join(baseDir, "checkpoints", "runs", "0")
	info, err := os.Lstat(linked)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, info.Mode()&os.ModeSymlink)

	data, err := os.ReadFile(filepath.Join(linked, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "method: grid", string(data))

	data, err = os.ReadFile(filepath.Join(linked, "subdir", "epoch=0-step=10.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	// Uploading the same prefix again points it at the new source.
	otherDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, "config.yaml"), []byte("method: grid # v2"), os.ModePerm))

	require.NoError(t, objectStore.UploadDir(context.Background(), "checkpoints", "runs/0", otherDir))

	data, err = os.ReadFile(filepath.Join(linked, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "method: grid # v2", string(data))
}

func TestLocalObjectStore_DownloadDir(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	stored := filepath.Join(baseDir, "checkpoints", "runs", "0")
	require.NoError(t, os.MkdirAll(stored, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(stored, "epoch=1-step=20.ckpt"), []byte("weights"), os.ModePerm))

	dest := filepath.Join(t.TempDir(), "local-copy")
	require.NoError(t, objectStore.DownloadDir(context.Background(), "checkpoints", "runs/0", dest, false))

	data, err := os.ReadFile(filepath.Join(dest, "epoch=1-step=20.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	// An existing destination is refused unless overwrite is set.
	err = objectStore.DownloadDir(context.Background(), "checkpoints", "runs/0", dest, false)
	require.Error(t, err)

	require.NoError(t, objectStore.DownloadDir(context.Background(), "checkpoints", "runs/0", dest, true))
}

func TestLocalObjectStore_UploadDownloadRoundTrip(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "epoch=0-step=5.ckpt"), []byte("weights"), os.ModePerm))

	require.NoError(t, objectStore.UploadDir(context.Background(), "checkpoints", "run-a", srcDir))

	dest := filepath.Join(t.TempDir(), "eval")
	require.NoError(t, objectStore.DownloadDir(context.Background(), "checkpoints", "run-a", dest, true))

	// Reads resolve through both links back to the original tree.
	data, err := os.ReadFile(filepath.Join(dest, "epoch=0-step=5.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}
