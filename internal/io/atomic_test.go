package io

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	type payload struct {
		Name  string  `json:"name"`
		Price float64 `json:"price"`
	}

	require.NoError(t, WriteJSONAtomic(path, payload{Name: "AK-47 | Redline", Price: 42.5}))

	var got payload
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "AK-47 | Redline", got.Name)
	assert.Equal(t, 42.5, got.Price)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")

	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestReadJSONMissingFile(t *testing.T) {
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &struct{}{})
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
