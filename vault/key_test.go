package vault

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPath(t *testing.T) {
	for _, test := range []struct {
		inode  uint64
		source string
		want   string
	}{
		// 0x1 pads to "01", single pair means no directories
		{0x1, "foo", "01-Zm9v"},
		{0x12, "foo", "12-Zm9v"},
		// 0x123 pads to "0123"
		{0x123, "foo", "01/23-Zm9v"},
		{0x123456, "foo", "12/34/56-Zm9v"},
	} {
		key := NewKey(test.inode, test.source)
		assert.Equal(t, filepath.FromSlash(test.want), key.Path(255), test.want)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, source := range []string{
		"foo",
		"some/deeply/nested/path/to/a/file.txt",
		"name with spaces and üñïçödé",
		"dashed-name-with---dashes",
	} {
		key := NewKey(0xdeadbeef, source)
		parsed, err := ParseKey(key.Path(255))
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}
}

func TestKeyChunking(t *testing.T) {
	source := strings.Repeat("x/", 200) + "leaf"
	key := NewKey(0x42, source)

	path := key.Path(255)
	for _, component := range strings.Split(path, string(filepath.Separator)) {
		assert.LessOrEqual(t, len(component), 255)
	}
	// the encoded name must actually have been split
	assert.Greater(t, strings.Count(path, string(filepath.Separator)), 0)

	parsed, err := ParseKey(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(source), parsed.Source)
	assert.Equal(t, uint64(0x42), parsed.Inode)
}

func TestKeyChunkingTinyNameMax(t *testing.T) {
	key := NewKey(0xabcd, "dir/file")

	path := key.Path(8)
	for _, component := range strings.Split(path, string(filepath.Separator)) {
		assert.LessOrEqual(t, len(component), 8)
	}

	parsed, err := ParseKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestKeyEncodingAvoidsDelimiter(t *testing.T) {
	// '/' in the source must not leak into the encoded name, nor may
	// the encoding ever emit the delimiter
	key := NewKey(0x1, "a/b/c???") // ? forces '+' and '_' territory
	path := key.Path(255)
	leaf := filepath.Base(path)
	assert.Equal(t, 1, strings.Count(leaf, keyDelimiter))

	parsed, err := ParseKey(path)
	require.NoError(t, err)
	assert.Equal(t, "a/b/c???", parsed.Source)
}

func TestParseKeyMalformed(t *testing.T) {
	for _, path := range []string{
		"no delimiter at all",
		"01-two-delimiters",
		"zz-Zm9v",     // bad hex
		"01-Zm9v!!!!", // bad base64
	} {
		_, err := ParseKey(path)
		assert.ErrorIs(t, err, ErrMalformedKey, path)
	}
}

func TestSearchPrefix(t *testing.T) {
	dir, prefix := NewKey(0x123456, "whatever").SearchPrefix()
	assert.Equal(t, filepath.Join("12", "34"), dir)
	assert.Equal(t, "56-", prefix)

	dir, prefix = NewKey(0x7, "whatever").SearchPrefix()
	assert.Equal(t, "", dir)
	assert.Equal(t, "07-", prefix)
}
