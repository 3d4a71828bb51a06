package vault

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/idm"
)

// Permission gates for vault membership. Hardlinks share one inode, so
// a file's own permissions must be wide enough for every member of its
// group to manage it once it is tracked; anything narrower would make
// the vault's copy unremovable by the people who own the data.

const (
	permRW = 0o6 // read and write
	permWX = 0o3 // write and traverse
)

func userGroupBits(mode os.FileMode) (user, group os.FileMode) {
	perm := mode.Perm()
	return (perm >> 6) & 0o7, (perm >> 3) & 0o7
}

// Addable checks that path may be added to a vault: it must be a
// regular file, readable and writable by both its user and group, with
// identical user and group permissions, in a directory its user and
// group can modify.
func Addable(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errors.Wrapf(ErrNotRegular, "%q", path)
	}

	user, group := userGroupBits(fi.Mode())
	if user&permRW != permRW || group&permRW != permRW {
		return errors.Wrapf(ErrPermissionDenied,
			"%q must be readable and writable by both its user and group", path)
	}
	if user != group {
		return errors.Wrapf(ErrPermissionDenied,
			"%q user and group permissions must match", path)
	}

	parent := filepath.Dir(path)
	pfi, err := os.Stat(parent)
	if err != nil {
		return err
	}
	puser, pgroup := userGroupBits(pfi.Mode())
	if puser&permWX != permWX || pgroup&permWX != permWX {
		return errors.Wrapf(ErrPermissionDenied,
			"%q must be writable and traversable by both its user and group", parent)
	}

	return nil
}

// Removable checks that the given user may remove path from a vault:
// on top of the Addable conditions, they must own the file or be an
// owner of the vault's group.
func Removable(path string, uid int, group *idm.Group) error {
	if err := Addable(path); err != nil {
		return err
	}

	st, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if owner, ok := fileOwner(st); ok && owner == uid {
		return nil
	}
	for _, o := range group.Owners {
		if o.UID == uid {
			return nil
		}
	}
	return errors.Wrapf(ErrPermissionDenied,
		"only the file's owner or a group owner may remove %q", path)
}

func fileOwner(fi os.FileInfo) (int, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(st.Uid), true
}
