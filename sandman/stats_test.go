package sandman

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/vault/lib/file"
	"github.com/wtsi-hgi/vault/vault"
)

func statsLine(t *testing.T, path string, mtime time.Time) string {
	st, err := file.Sys(path)
	require.NoError(t, err)
	fi, err := os.Lstat(path)
	require.NoError(t, err)

	return fmt.Sprintf("%s\t%d\t%d\t%d\t%d\t%d\t%d\tf\t%d\t%d\t%d",
		base64.StdEncoding.EncodeToString([]byte(path)),
		fi.Size(), st.Uid, st.Gid,
		mtime.Unix(), mtime.Unix(), mtime.Unix(),
		st.Ino, st.Nlink, st.Dev)
}

func writeListing(t *testing.T, lines ...string) string {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, line := range lines {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())

	listing := filepath.Join(t.TempDir(), "stats.gz")
	require.NoError(t, os.WriteFile(listing, buf.Bytes(), 0o660))
	return listing
}

func TestParseStatsLine(t *testing.T) {
	line := base64.StdEncoding.EncodeToString([]byte("/lustre/projects/x/a.bam")) +
		"\t1024\t1001\t2001\t1600000000\t1600000100\t1600000200\tf\t42\t2\t7"

	attrs, ok := parseStatsLine(line)
	require.True(t, ok)
	assert.Equal(t, "/lustre/projects/x/a.bam", attrs.Path)
	assert.Equal(t, int64(1024), attrs.Size)
	assert.Equal(t, 1001, attrs.UID)
	assert.Equal(t, 2001, attrs.GID)
	assert.Equal(t, time.Unix(1600000100, 0), attrs.MTime)
	assert.Equal(t, uint64(42), attrs.Inode)
	assert.Equal(t, 2, attrs.Nlink)
	assert.Equal(t, uint64(7), attrs.Device)
}

func TestParseStatsLineRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"not enough fields",
		// directories are of no interest
		base64.StdEncoding.EncodeToString([]byte("/x")) + "\t0\t1\t1\t0\t0\t0\td\t1\t2\t1",
		// undecodable path
		"!!!\t0\t1\t1\t0\t0\t0\tf\t1\t2\t1",
	} {
		_, ok := parseStatsLine(line)
		assert.False(t, ok, line)
	}
}

func TestStatsWalk(t *testing.T) {
	v := testVaultAt(t)
	tracked := writeSource(t, v, "tracked.txt")
	untracked := writeSource(t, v, "untracked.txt")
	require.NoError(t, v.Add(vault.Keep, tracked))

	elsewhere := filepath.Join(t.TempDir(), "elsewhere.txt")
	require.NoError(t, os.WriteFile(elsewhere, []byte("x"), 0o660))

	listing := writeListing(t,
		statsLine(t, tracked, time.Now()),
		statsLine(t, untracked, time.Now()),
		statsLine(t, elsewhere, time.Now()), // outside every vault
	)

	w := &StatsWalker{vaults: []*vault.Vault{v}, listing: listing}
	entries := collectEntries(t, w)

	require.Len(t, entries, 2)
	assert.Equal(t, "keep", entries[0].Status())
	assert.Equal(t, tracked, entries[0].File.Path)
	assert.Equal(t, "outside", entries[1].Status())
}

func TestStatsWalkRestatsStaleListing(t *testing.T) {
	v := testVaultAt(t)
	stale := writeSource(t, v, "stale.txt")
	gone := writeSource(t, v, "gone.txt")

	// the listing claims an ancient mtime; the live file is fresh
	listing := writeListing(t,
		statsLine(t, stale, time.Unix(0, 0)),
		statsLine(t, gone, time.Unix(0, 0)),
	)
	backdate(t, listing, 48*time.Hour)
	require.NoError(t, os.Remove(gone))

	w := &StatsWalker{vaults: []*vault.Vault{v}, listing: listing}
	entries := collectEntries(t, w)

	// the vanished file is dropped; the survivor carries live facts
	require.Len(t, entries, 1)
	assert.Equal(t, stale, entries[0].File.Path)
	assert.WithinDuration(t, time.Now(), entries[0].File.MTime, time.Minute)
}
