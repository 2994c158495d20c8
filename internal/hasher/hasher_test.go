package hasher

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum_Deterministic(t *testing.T) {
	b := []byte("the quick brown fox")
	assert.Equal(t, Sum(b), Sum(b))
	assert.Len(t, string(Sum(b)), 64)
	assert.NotEqual(t, Sum(b), Sum([]byte("the quick brown fox.")))

	// well known empty digest
	assert.Equal(t, Digest("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"), Sum(nil))
}

func TestSHA256_HashMatchesSum(t *testing.T) {
	b := bytes.Repeat([]byte("abc"), 100_000)
	d, err := SHA256{}.Hash("big.bin", bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, Sum(b), d)
}

func TestSHA256_ReadFailureIsHashError(t *testing.T) {
	cause := errors.New("disk gone")
	r := io.MultiReader(bytes.NewReader([]byte("partial")), iotest.ErrReader(cause))

	d, err := SHA256{}.Hash("a.md", r)
	assert.Empty(t, d)

	var hashErr *HashError
	require.ErrorAs(t, err, &hashErr)
	assert.Equal(t, "a.md", hashErr.Path)
	assert.ErrorIs(t, err, cause)
}

func TestSHA256_HashFileOpenFailure(t *testing.T) {
	_, err := SHA256{}.HashFile("missing.md", nil, func() (io.ReadCloser, error) {
		return nil, os.ErrNotExist
	})
	var hashErr *HashError
	require.ErrorAs(t, err, &hashErr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCachedHasher_SkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	c, err := NewCachedHasher(0)
	require.NoError(t, err)

	opens := 0
	open := func() (io.ReadCloser, error) {
		opens++
		return os.Open(path)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)

	d1, err := c.HashFile("a.md", info, open)
	require.NoError(t, err)
	d2, err := c.HashFile("a.md", info, open)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, c.Len())

	// new content and mtime invalidates the entry
	require.NoError(t, os.WriteFile(path, []byte("v2 longer"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	info, err = os.Stat(path)
	require.NoError(t, err)

	d3, err := c.HashFile("a.md", info, open)
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("v2 longer")), d3)
	assert.Equal(t, 2, opens)
}

func TestCachedHasher_DoesNotCacheFailures(t *testing.T) {
	c, err := NewCachedHasher(8)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	_, err = c.HashFile("a.md", info, func() (io.ReadCloser, error) {
		return nil, errors.New("locked")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}
