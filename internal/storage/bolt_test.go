package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltPutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := NewBoltMedium(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, m.Put("k", []byte("v")))
	got, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, m.Delete("k"))
	_, err = m.Get("k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting a missing key is fine.
	assert.NoError(t, m.Delete("k"))
}

func TestBoltKeysByPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := NewBoltMedium(path)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put("progress:backup:b", nil))
	require.NoError(t, m.Put("progress:backup:a", []byte("1")))
	require.NoError(t, m.Put("session:current", []byte("2")))

	keys, err := m.Keys("progress:backup:")
	require.NoError(t, err)
	assert.Equal(t, []string{"progress:backup:a", "progress:backup:b"}, keys)

	all, err := m.Keys("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	m, err := NewBoltMedium(path)
	require.NoError(t, err)
	require.NoError(t, m.Put("k", []byte("survives")))
	require.NoError(t, m.Close())

	m, err = NewBoltMedium(path)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}
