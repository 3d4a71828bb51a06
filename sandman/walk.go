// Package sandman implements the batch side of the retention system:
// walking vaulted subtrees, sweeping files through the retention state
// machine, notifying stakeholders and draining the staging queue into
// the downstream archiver.
package sandman

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/persistence"
	"github.com/wtsi-hgi/vault/vault"
)

// FileAttrs are the stat facts the sweeper decides on. They come from
// either a live lstat or a stat listing.
type FileAttrs struct {
	Path   string // absolute
	Size   int64
	UID    int
	GID    int
	MTime  time.Time
	Inode  uint64
	Device uint64
	Nlink  int
}

// Model converts the attributes into their persistence record,
// carrying the vault key when there is one
func (fa *FileAttrs) Model(key string) *persistence.File {
	return &persistence.File{
		Device: fa.Device,
		Inode:  fa.Inode,
		Path:   fa.Path,
		Key:    key,
		MTime:  fa.MTime,
		Size:   fa.Size,
		Owner:  fa.UID,
		Group:  fa.GID,
	}
}

func attrsFromInfo(path string, fi os.FileInfo) FileAttrs {
	fa := FileAttrs{
		Path:  path,
		Size:  fi.Size(),
		MTime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		fa.UID = int(st.Uid)
		fa.GID = int(st.Gid)
		fa.Inode = st.Ino
		fa.Device = uint64(st.Dev)
		fa.Nlink = int(st.Nlink)
	}
	return fa
}

// Entry is one regular file yielded by a walk, classified against its
// vault
type Entry struct {
	Vault *vault.Vault
	File  FileAttrs

	// Tracked means the inode is keyed in Branch. Physical means the
	// walked path is the vault hardlink itself rather than the user's
	// file.
	Tracked  bool
	Physical bool
	Branch   vault.Branch
}

// Status names the entry's state for logging
func (e *Entry) Status() string {
	if !e.Tracked {
		return "outside"
	}
	return e.Branch.String()
}

// HandlerFunc consumes walk entries. Returning an error stops the
// whole walk.
type HandlerFunc func(*Entry) error

// Walker produces classified file entries for the sweeper
type Walker interface {
	Walk(ctx context.Context, fn HandlerFunc) error
}

// FilesystemWalker walks vaulted subtrees directly
type FilesystemWalker struct {
	vaults []*vault.Vault
}

// NewFilesystemWalker opens the distinct vaults covering the given
// roots. Every root must already be covered by a vault, and must not
// be inside one.
func NewFilesystemWalker(directory idm.IdM, minOwners int, roots ...string) (*FilesystemWalker, error) {
	w := &FilesystemWalker{}

	seen := make(map[string]bool)
	for _, root := range roots {
		v, err := vault.New(root, directory, minOwners, false)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot walk %q", root)
		}
		if seen[v.Root()] {
			v.Close()
			continue
		}
		seen[v.Root()] = true
		w.vaults = append(w.vaults, v)
	}
	return w, nil
}

// Close closes the opened vaults
func (w *FilesystemWalker) Close() {
	for _, v := range w.vaults {
		_ = v.Close()
	}
}

func (w *FilesystemWalker) String() string {
	return "walker"
}

// Walk streams every regular file under every vaulted subtree through
// fn. Subtrees are walked in parallel; fn itself is called serially,
// as the sweeper's decide-and-commit step is a critical section.
func (w *FilesystemWalker) Walk(ctx context.Context, fn HandlerFunc) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *Entry)
	g, gctx := errgroup.WithContext(wctx)
	for _, v := range w.vaults {
		v := v
		g.Go(func() error {
			return walkVault(gctx, v, entries)
		})
	}

	walked := make(chan error, 1)
	go func() {
		walked <- g.Wait()
		close(entries)
	}()

	var handlerErr error
	for entry := range entries {
		if handlerErr != nil {
			continue // drain the channel so the walkers can finish
		}
		if handlerErr = fn(entry); handlerErr != nil {
			cancel()
		}
	}

	if err := <-walked; handlerErr == nil && err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return handlerErr
}

// walkVault classifies every regular file in one vaulted subtree.
// Files under the vault directory itself are yielded as physical
// entries; everything else is looked up by inode.
func walkVault(ctx context.Context, v *vault.Vault, entries chan<- *Entry) error {
	return filepath.WalkDir(v.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			core.Errorf(v, "cannot walk %q: %v", path, err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		fi, err := d.Info()
		if err != nil || !fi.Mode().IsRegular() {
			return nil
		}

		entry := &Entry{Vault: v, File: attrsFromInfo(path, fi)}
		if branch, physical := physicalBranch(v, path); physical {
			if branch == nil {
				return nil // vault housekeeping, e.g. the audit log
			}
			entry.Physical, entry.Tracked, entry.Branch = true, true, *branch
		} else {
			branch, tracked, err := v.Lookup(entry.File.Inode)
			if err != nil {
				if errors.Is(err, vault.ErrCorrupt) {
					core.Errorf(v, "skipping %q: %v", path, err)
					return nil
				}
				return err
			}
			entry.Tracked, entry.Branch = tracked, branch
		}

		select {
		case entries <- entry:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// physicalBranch reports whether path is inside v's vault directory
// and, if so, which branch it belongs to. Files directly under the
// vault directory, like the audit log, have no branch.
func physicalBranch(v *vault.Vault, path string) (*vault.Branch, bool) {
	rel, err := filepath.Rel(v.Location(), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, false
	}

	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	for _, b := range vault.Branches() {
		if first == b.Dir() {
			b := b
			return &b, true
		}
	}
	return nil, true
}
