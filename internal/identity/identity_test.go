package identity

import (
	"path/filepath"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovesync/pulse/internal/storage"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestUserHashShape(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	p := New(store, "salt", "1.0.0")
	hash, err := p.UserHash()
	require.NoError(t, err)
	assert.Regexp(t, hexDigest, hash)
}

func TestUserHashStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := storage.Open(path)
	require.NoError(t, err)
	first, err := New(store, "salt", "1.0.0").UserHash()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = storage.Open(path)
	require.NoError(t, err)
	defer store.Close()
	second, err := New(store, "salt", "1.0.0").UserHash()
	require.NoError(t, err)

	assert.Equal(t, first, second, "same install id, same hash")
}

func TestUserHashDiffersPerInstall(t *testing.T) {
	storeA, err := storage.Open(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := storage.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	defer storeB.Close()

	hashA, err := New(storeA, "salt", "1.0.0").UserHash()
	require.NoError(t, err)
	hashB, err := New(storeB, "salt", "1.0.0").UserHash()
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
}

func TestSaltChangesHash(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	hash1, err := New(store, "salt_one", "1.0.0").UserHash()
	require.NoError(t, err)
	hash2, err := New(store, "salt_two", "1.0.0").UserHash()
	require.NoError(t, err)

	assert.NotEqual(t, hash1, hash2, "the salt is part of the digest")
}

func TestDeviceInfoCoarseOnly(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	info := New(store, "salt", "2.1.0").DeviceInfo()
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Positive(t, info.NumCPU)
	assert.Equal(t, "2.1.0", info.AppVersion)
}
