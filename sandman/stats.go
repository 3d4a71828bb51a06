package sandman

import (
	"bufio"
	"context"
	"encoding/base64"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/vault"
)

// Stat listings go stale: one older than this has every file it
// yields re-stat'ed against the live filesystem before the sweeper
// sees it. Overridable, in hours, through RESTAT_AFTER.
const defaultRestatAfter = 36 * time.Hour

func restatAfter() time.Duration {
	if env := os.Getenv("RESTAT_AFTER"); env != "" {
		if hours, err := strconv.Atoi(env); err == nil && hours > 0 {
			return time.Duration(hours) * time.Hour
		}
	}
	return defaultRestatAfter
}

// StatsWalker yields entries from a gzipped stat listing, as produced
// by the filesystem team's periodic scans, instead of walking the
// filesystem itself. Fields are tab-delimited: base64 path, size,
// uid, gid, atime, mtime, ctime, type, inode, hardlinks, device.
type StatsWalker struct {
	vaults  []*vault.Vault
	listing string
}

// NewStatsWalker opens the distinct vaults covering the given roots
// and prepares to walk the listing at path
func NewStatsWalker(listing string, directory idm.IdM, minOwners int, roots ...string) (*StatsWalker, error) {
	inner, err := NewFilesystemWalker(directory, minOwners, roots...)
	if err != nil {
		return nil, err
	}
	return &StatsWalker{vaults: inner.vaults, listing: listing}, nil
}

// Close closes the opened vaults
func (w *StatsWalker) Close() {
	for _, v := range w.vaults {
		_ = v.Close()
	}
}

func (w *StatsWalker) String() string {
	return "stats walker"
}

// Walk streams the listing's regular files, filtered to the vaulted
// subtrees, through fn
func (w *StatsWalker) Walk(ctx context.Context, fn HandlerFunc) error {
	f, err := os.Open(w.listing)
	if err != nil {
		return errors.Wrap(err, "cannot open stat listing")
	}
	defer f.Close()

	stale := false
	if fi, err := f.Stat(); err == nil {
		if age := time.Since(fi.ModTime()); age > restatAfter() {
			core.Logf(w, "stat listing is %v old, re-checking files against the filesystem", age)
			stale = true
		}
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "stat listing is not gzipped")
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		attrs, ok := parseStatsLine(scanner.Text())
		if !ok {
			continue
		}
		v := w.coveringVault(attrs.Path)
		if v == nil {
			continue
		}
		if stale {
			fi, err := os.Lstat(attrs.Path)
			if err != nil || !fi.Mode().IsRegular() {
				continue // gone or changed since the listing was taken
			}
			attrs = attrsFromInfo(attrs.Path, fi)
		}

		entry := &Entry{Vault: v, File: attrs}
		if branch, physical := physicalBranch(v, attrs.Path); physical {
			if branch == nil {
				continue
			}
			entry.Physical, entry.Tracked, entry.Branch = true, true, *branch
		} else {
			branch, tracked, err := v.Lookup(attrs.Inode)
			if err != nil {
				if errors.Is(err, vault.ErrCorrupt) {
					core.Errorf(v, "skipping %q: %v", attrs.Path, err)
					continue
				}
				return err
			}
			entry.Tracked, entry.Branch = tracked, branch
		}

		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (w *StatsWalker) coveringVault(path string) *vault.Vault {
	for _, v := range w.vaults {
		if path == v.Root() || strings.HasPrefix(path, v.Root()+"/") {
			return v
		}
	}
	return nil
}

// parseStatsLine decodes one listing line into attributes. Anything
// unparseable, or not a regular file, is skipped.
func parseStatsLine(line string) (FileAttrs, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 11 || fields[7] != "f" {
		return FileAttrs{}, false
	}

	path, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return FileAttrs{}, false
	}

	ints := make([]int64, 0, 8)
	for _, i := range []int{1, 2, 3, 5, 8, 9, 10} {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return FileAttrs{}, false
		}
		ints = append(ints, n)
	}

	return FileAttrs{
		Path:   string(path),
		Size:   ints[0],
		UID:    int(ints[1]),
		GID:    int(ints[2]),
		MTime:  time.Unix(ints[3], 0),
		Inode:  uint64(ints[4]),
		Nlink:  int(ints[5]),
		Device: uint64(ints[6]),
	}, true
}
