package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Create a test directory then tidy up
func testDir(t *testing.T) (string, func()) {
	dir, err := os.MkdirTemp("", "vault-test")
	require.NoError(t, err)
	return dir, func() {
		assert.NoError(t, os.RemoveAll(dir))
	}
}

func touchFile(t *testing.T, path string) {
	require.NoError(t, os.WriteFile(path, []byte("data"), 0660))
}

func TestIsRegular(t *testing.T) {
	dir, tidy := testDir(t)
	defer tidy()

	path := filepath.Join(dir, "file.txt")
	touchFile(t, path)
	assert.True(t, IsRegular(path))
	assert.False(t, IsRegular(dir))
	assert.False(t, IsRegular(filepath.Join(dir, "missing")))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(path, link))
	assert.False(t, IsRegular(link))
}

func TestHardlinks(t *testing.T) {
	dir, tidy := testDir(t)
	defer tidy()

	path := filepath.Join(dir, "file.txt")
	touchFile(t, path)

	n, err := Hardlinks(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.Link(path, other))

	n, err = Hardlinks(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Hardlinked files share an inode
	i1, err := Inode(path)
	require.NoError(t, err)
	i2, err := Inode(other)
	require.NoError(t, err)
	assert.Equal(t, i1, i2)
}

func TestTouch(t *testing.T) {
	dir, tidy := testDir(t)
	defer tidy()

	path := filepath.Join(dir, "file.txt")
	touchFile(t, path)

	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, Touch(path))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), fi.ModTime(), 10*time.Second)
}

func TestTryLock(t *testing.T) {
	dir, tidy := testDir(t)
	defer tidy()

	path := filepath.Join(dir, "file.txt")
	touchFile(t, path)

	lock, err := TryLock(path)
	require.NoError(t, err)

	// flock is per open file description, so a second probe contends
	// even from the same process
	_, err = TryLock(path)
	assert.ErrorIs(t, err, ErrLocked)
	assert.True(t, Locked(path))

	require.NoError(t, lock.Release())
	assert.False(t, Locked(path))
}

func TestNameMax(t *testing.T) {
	dir, tidy := testDir(t)
	defer tidy()

	n := NameMax(dir)
	assert.GreaterOrEqual(t, n, 255)
}
