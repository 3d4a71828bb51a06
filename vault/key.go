package vault

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Keys name the hardlinks inside a branch. The inode number is the
// identity: its hexadecimal form, zero-padded to an even length, is
// split into byte pairs and all but the last become directories, which
// keeps branch directories shallow and fanned-out. The last pair is
// joined with the base64-encoded vault-relative source path, so keys
// can be found by inode alone yet still decode back to a path.
//
// The base64 alphabet is modified ('/' becomes '_') so the encoded
// path contains neither the key delimiter nor the path separator.
const keyDelimiter = "-"

var keyEncoding = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+_")

// Key is the vault key for a tracked file
type Key struct {
	Inode  uint64
	Source string // path relative to the vault root
}

// NewKey creates the key for an inode at a vault-relative path
func NewKey(inode uint64, source string) Key {
	return Key{Inode: inode, Source: filepath.Clean(source)}
}

// hexPairs returns the inode in hex, zero-padded to an even length and
// split into byte pairs
func (k Key) hexPairs() []string {
	hex := strconv.FormatUint(k.Inode, 16)
	if len(hex)%2 != 0 {
		hex = "0" + hex
	}
	pairs := make([]string, 0, len(hex)/2)
	for i := 0; i < len(hex); i += 2 {
		pairs = append(pairs, hex[i:i+2])
	}
	return pairs
}

// Path encodes the key as a path relative to its branch. nameMax is
// the filesystem's component length limit: encoded names that exceed
// it are chunked into further directories, with a little slack left
// for the inode prefix and delimiter.
func (k Key) Path(nameMax int) string {
	pairs := k.hexPairs()
	dirs, lsb := pairs[:len(pairs)-1], pairs[len(pairs)-1]

	name := lsb + keyDelimiter + keyEncoding.EncodeToString([]byte(k.Source))

	chunk := nameMax - 3
	if chunk < 1 {
		chunk = 1
	}
	parts := dirs
	for len(name) > chunk {
		parts = append(parts, name[:chunk])
		name = name[chunk:]
	}
	parts = append(parts, name)

	return filepath.Join(parts...)
}

// SearchPrefix returns the branch-relative directory in which keys for
// the inode live and the filename prefix such keys carry, for finding
// a tracked file by inode alone.
func (k Key) SearchPrefix() (dir, prefix string) {
	pairs := k.hexPairs()
	dirs, lsb := pairs[:len(pairs)-1], pairs[len(pairs)-1]
	return filepath.Join(dirs...), lsb + keyDelimiter
}

// ParseKey decodes a branch-relative key path back into a key. The
// path components are concatenated, so it does not matter how the
// encoded form was chunked.
func ParseKey(path string) (Key, error) {
	flat := strings.ReplaceAll(filepath.Clean(path), string(filepath.Separator), "")

	if strings.Count(flat, keyDelimiter) != 1 {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q", path)
	}
	split := strings.SplitN(flat, keyDelimiter, 2)

	inode, err := strconv.ParseUint(split[0], 16, 64)
	if err != nil {
		return Key{}, errors.Wrapf(ErrMalformedKey, "bad inode in %q", path)
	}

	source, err := keyEncoding.DecodeString(split[1])
	if err != nil {
		return Key{}, errors.Wrapf(ErrMalformedKey, "bad source encoding in %q", path)
	}

	return Key{Inode: inode, Source: string(source)}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.Inode, k.Source)
}
