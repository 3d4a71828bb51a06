package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/lib/file"
)

const (
	vaultDirName  = ".vault"
	auditFileName = ".audit"

	vaultDirMode = 0o770 | os.ModeSetgid
	keyDirMode   = 0o770
)

// Vault is an on-disk vault at the root of a homogroupic subtree
type Vault struct {
	root     string // directory containing the vault
	location string // the vault directory itself
	gid      int
	group    *idm.Group
	nameMax  int

	audit      *os.File
	unregister func()
}

// New finds the vault covering relativeTo, creating it at the root of
// the containing homogroupic subtree if autocreate is set and it does
// not yet exist. The subtree root is the highest ancestor that shares
// relativeTo's group. minOwners, when positive, makes groups with too
// few registered owners ineligible.
func New(relativeTo string, directory idm.IdM, minOwners int, autocreate bool) (*Vault, error) {
	path, err := canonical(relativeTo)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		path = filepath.Dir(path)
	}
	if containsVaultDir(path) {
		return nil, errors.Wrapf(ErrIsVault, "%q", relativeTo)
	}

	root, gid, err := subtreeRoot(path)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		root:     root,
		location: filepath.Join(root, vaultDirName),
		gid:      gid,
		nameMax:  file.NameMax(root),
	}

	if directory != nil {
		v.group, err = directory.Group(gid)
		if err != nil {
			return nil, err
		}
		if minOwners > 0 && len(v.group.Owners) < minOwners {
			return nil, errors.Wrapf(ErrNotEnoughOwners,
				"%s has %d owners, %d required", v.group, len(v.group.Owners), minOwners)
		}
	}

	if err := v.open(autocreate); err != nil {
		return nil, err
	}
	return v, nil
}

// Open opens the existing vault at exactly root. The sweeper uses
// this on discovered vault directories, where re-deriving the subtree
// root could mislead if group ownership has drifted since creation.
func Open(root string, directory idm.IdM, minOwners int) (*Vault, error) {
	abs, err := canonical(root)
	if err != nil {
		return nil, err
	}
	st, err := file.Sys(abs)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		root:     abs,
		location: filepath.Join(abs, vaultDirName),
		gid:      int(st.Gid),
		nameMax:  file.NameMax(abs),
	}

	if directory != nil {
		v.group, err = directory.Group(v.gid)
		if err != nil {
			return nil, err
		}
		if minOwners > 0 && len(v.group.Owners) < minOwners {
			return nil, errors.Wrapf(ErrNotEnoughOwners,
				"%s has %d owners, %d required", v.group, len(v.group.Owners), minOwners)
		}
	}

	if err := v.open(false); err != nil {
		return nil, err
	}
	return v, nil
}

// open checks the vault directory and its branches, creating them when
// allowed, and wires up the audit log.
func (v *Vault) open(autocreate bool) error {
	created, err := ensureDir(v.location, autocreate)
	if err != nil {
		return err
	}
	if created {
		// the vault must belong to the subtree's group so that setgid
		// propagates it to the keys
		if err := os.Chown(v.location, -1, v.gid); err != nil {
			return errors.Wrapf(err, "cannot set group on %q", v.location)
		}
	}
	for _, b := range Branches() {
		if _, err := ensureDir(v.branchPath(b), autocreate); err != nil {
			return err
		}
	}

	audit, err := os.OpenFile(filepath.Join(v.location, auditFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o660)
	if err != nil {
		return errors.Wrap(err, "cannot open vault audit log")
	}
	v.audit = audit
	v.unregister = core.RegisterAuditSink(v, audit)

	if created {
		core.Logf(v, "vault created")
	}
	return nil
}

// Lock takes the vault's cooperative lock, serialising mutating
// operations against other processes (the annotation CLI and the
// sweeper) working on the same vault. It blocks until the lock is
// granted; Unlock releases it.
func (v *Vault) Lock() error {
	if v.audit == nil {
		return errors.Wrap(os.ErrClosed, "vault audit log")
	}
	return unix.Flock(int(v.audit.Fd()), unix.LOCK_EX)
}

// Unlock releases the cooperative lock
func (v *Vault) Unlock() error {
	if v.audit == nil {
		return errors.Wrap(os.ErrClosed, "vault audit log")
	}
	return unix.Flock(int(v.audit.Fd()), unix.LOCK_UN)
}

// Close detaches the audit log
func (v *Vault) Close() error {
	if v.unregister != nil {
		v.unregister()
		v.unregister = nil
	}
	if v.audit != nil {
		err := v.audit.Close()
		v.audit = nil
		return err
	}
	return nil
}

func (v *Vault) String() string {
	return fmt.Sprintf("vault:%s", v.root)
}

// Root returns the directory the vault covers
func (v *Vault) Root() string {
	return v.root
}

// Location returns the vault directory itself
func (v *Vault) Location() string {
	return v.location
}

// Group returns the vault's resolved group, when an identity manager
// was supplied
func (v *Vault) Group() *idm.Group {
	return v.group
}

func (v *Vault) branchPath(b Branch) string {
	return filepath.Join(v.location, b.Dir())
}

// relative canonicalises path and returns it relative to the vault
// root. Paths inside the vault directory itself return ErrIsVault;
// paths outside the subtree return ErrNoVault.
func (v *Vault) relative(path string) (string, error) {
	abs, err := canonical(path)
	if err != nil {
		return "", err
	}
	if abs == v.location || strings.HasPrefix(abs, v.location+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrIsVault, "%q", path)
	}
	rel, err := filepath.Rel(v.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrNoVault, "%q is outside %q", path, v.root)
	}
	return rel, nil
}

// Add tracks path in the given branch by hardlinking it against its
// vault key. Adding an already tracked file corrects a stale key, or
// moves it between the user-facing branches; files in the staged or
// limbo branches cannot be moved.
func (v *Vault) Add(branch Branch, path string) error {
	rel, err := v.relative(path)
	if err != nil {
		return err
	}
	if err := Addable(filepath.Join(v.root, rel)); err != nil {
		return err
	}

	inode, err := file.Inode(filepath.Join(v.root, rel))
	if err != nil {
		return err
	}
	key := NewKey(inode, rel)

	current, existing, err := v.find(inode)
	if err != nil {
		return err
	}
	if existing == "" {
		keyPath := filepath.Join(v.branchPath(branch), key.Path(v.nameMax))
		if err := linkKey(filepath.Join(v.root, rel), keyPath); err != nil {
			return err
		}
		core.Logf(v, "%q added to %s", rel, branch)
		return nil
	}

	if current == Staged || current == Limbo {
		return errors.Wrapf(ErrAlreadyTracked, "%q is %s for processing", rel, current)
	}

	parsed, err := ParseKey(existing)
	if err != nil {
		return errors.Wrapf(ErrCorrupt, "undecodable key %q in %s", existing, current)
	}
	if current == branch && parsed.Source == rel {
		core.Logf(v, "%q is already in %s", rel, branch)
		return nil
	}

	// the key is renamed rather than relinked so the move is atomic
	if err := v.rename(current, existing, branch, key); err != nil {
		return err
	}
	switch {
	case current != branch:
		core.Logf(v, "%q moved from %s to %s", rel, current, branch)
	default:
		core.Logf(v, "stale key for %q corrected (was %q)", rel, parsed.Source)
	}
	return nil
}

// Remove untracks path from the given branch and prunes any key
// directories left empty
func (v *Vault) Remove(branch Branch, path string) error {
	rel, err := v.relative(path)
	if err != nil {
		return err
	}
	inode, err := file.Inode(filepath.Join(v.root, rel))
	if err != nil {
		return err
	}

	existing, err := v.findIn(branch, inode)
	if err != nil {
		return err
	}
	if existing == "" {
		return errors.Wrapf(ErrNotTracked, "%q is not in %s", rel, branch)
	}

	keyPath := filepath.Join(v.branchPath(branch), existing)
	if err := file.Delete(keyPath); err != nil {
		return err
	}
	v.prune(branch, keyPath)
	core.Logf(v, "%q removed from %s", rel, branch)
	return nil
}

// Link hardlinks path into the given branch without the Addable
// checks or cross-branch resolution. It is for the sweep machinery,
// which must be able to take custody of files users could not add
// themselves.
func (v *Vault) Link(branch Branch, path string) (string, error) {
	rel, err := v.relative(path)
	if err != nil {
		return "", err
	}
	inode, err := file.Inode(filepath.Join(v.root, rel))
	if err != nil {
		return "", err
	}

	keyPath := filepath.Join(v.branchPath(branch), NewKey(inode, rel).Path(v.nameMax))
	err = linkKey(filepath.Join(v.root, rel), keyPath)
	switch {
	case err == nil:
		return keyPath, nil
	case errors.Is(err, os.ErrExist):
		// an interrupted earlier run got this far already
		if got, statErr := file.Inode(keyPath); statErr == nil && got == inode {
			return keyPath, nil
		}
	}
	return "", err
}

// Relocate renames an inode's key from one branch to another. When
// source is given it re-encodes the key from the source's current
// path, correcting any staleness; otherwise the encoded path is kept.
// It returns the new key path, or ErrNotTracked if the inode is not
// in the source branch.
func (v *Vault) Relocate(from, to Branch, inode uint64, source string) (string, error) {
	existing, err := v.findIn(from, inode)
	if err != nil {
		return "", err
	}
	if existing == "" {
		return "", errors.Wrapf(ErrNotTracked, "inode %d is not in %s", inode, from)
	}

	var key Key
	if source != "" {
		rel, err := v.relative(source)
		if err != nil {
			return "", err
		}
		key = NewKey(inode, rel)
	} else if key, err = ParseKey(existing); err != nil {
		return "", errors.Wrapf(ErrCorrupt, "undecodable key %q in %s", existing, from)
	}

	if err := v.rename(from, existing, to, key); err != nil {
		return "", err
	}
	return filepath.Join(v.branchPath(to), key.Path(v.nameMax)), nil
}

// Recover restores a limbo entry to its original path: the source is
// hardlinked back, its mtime reset so it does not immediately age out
// again, and the limbo copy dropped. It fails if a file already
// exists at the source path.
func (v *Vault) Recover(e Entry) error {
	if _, err := os.Lstat(e.Source); err == nil {
		return errors.Wrapf(os.ErrExist, "will not overwrite %q", e.Source)
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(e.Source), keyDirMode); err != nil {
		return err
	}
	if err := os.Link(e.KeyPath, e.Source); err != nil {
		return err
	}
	if err := file.Touch(e.Source); err != nil {
		return err
	}
	if err := v.Forget(Limbo, e.KeyPath); err != nil {
		return err
	}
	core.Logf(v, "%q recovered from limbo", e.Source)
	return nil
}

// Forget unlinks a vault hardlink by its absolute key path, pruning
// emptied key directories. The sweeper uses this when a tracked
// file's source has vanished and the vault copy is all that remains.
func (v *Vault) Forget(branch Branch, keyPath string) error {
	if err := file.Delete(keyPath); err != nil {
		return err
	}
	v.prune(branch, keyPath)
	return nil
}

// rename moves a key within the vault, creating destination key
// directories and pruning emptied source ones
func (v *Vault) rename(from Branch, fromRel string, to Branch, key Key) error {
	oldPath := filepath.Join(v.branchPath(from), fromRel)
	newPath := filepath.Join(v.branchPath(to), key.Path(v.nameMax))

	if err := os.MkdirAll(filepath.Dir(newPath), keyDirMode); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	v.prune(from, oldPath)
	return nil
}

// prune removes newly empty key directories between a deleted key and
// its branch root
func (v *Vault) prune(branch Branch, keyPath string) {
	stop := v.branchPath(branch)
	for dir := filepath.Dir(keyPath); dir != stop; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return // not empty, or already gone
		}
	}
}

// find searches every branch for an inode, returning the branch and
// branch-relative key path of its hardlink. An inode keyed in more
// than one branch is corruption.
func (v *Vault) find(inode uint64) (Branch, string, error) {
	var (
		found   Branch
		keyPath string
	)
	for _, b := range Branches() {
		existing, err := v.findIn(b, inode)
		if err != nil {
			return 0, "", err
		}
		if existing == "" {
			continue
		}
		if keyPath != "" {
			return 0, "", errors.Wrapf(ErrCorrupt,
				"inode %d is keyed in both %s and %s", inode, found, b)
		}
		found, keyPath = b, existing
	}
	return found, keyPath, nil
}

// findIn searches one branch for an inode's key. The returned path is
// relative to the branch; it is empty when the inode is not tracked
// there.
func (v *Vault) findIn(branch Branch, inode uint64) (string, error) {
	prefixDir, prefix := NewKey(inode, "").SearchPrefix()
	dir := filepath.Join(v.branchPath(branch), prefixDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var matches []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			matches = append(matches, entry.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		// fall through
	default:
		return "", errors.Wrapf(ErrCorrupt,
			"inode %d has %d keys in %s", inode, len(matches), branch)
	}

	// big keys are chunked into a chain of single-child directories
	rel := filepath.Join(prefixDir, matches[0])
	for {
		fi, err := os.Lstat(filepath.Join(v.branchPath(branch), rel))
		if err != nil {
			return "", err
		}
		if !fi.IsDir() {
			return rel, nil
		}
		children, err := os.ReadDir(filepath.Join(v.branchPath(branch), rel))
		if err != nil {
			return "", err
		}
		if len(children) != 1 {
			return "", errors.Wrapf(ErrCorrupt,
				"chunked key %q has %d children", rel, len(children))
		}
		rel = filepath.Join(rel, children[0].Name())
	}
}

// Lookup finds which branch, if any, tracks the given inode
func (v *Vault) Lookup(inode uint64) (Branch, bool, error) {
	branch, keyPath, err := v.find(inode)
	if err != nil {
		return 0, false, err
	}
	return branch, keyPath != "", nil
}

// Entry is one tracked file in a branch listing
type Entry struct {
	Key     Key
	Source  string // absolute path to the tracked file
	KeyPath string // absolute path to the vault hardlink
}

// List returns every file tracked in the given branch, sorted by
// source path
func (v *Vault) List(branch Branch) ([]Entry, error) {
	root := v.branchPath(branch)

	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key, err := ParseKey(rel)
		if err != nil {
			return errors.Wrapf(ErrCorrupt, "undecodable key %q in %s", rel, branch)
		}
		entries = append(entries, Entry{
			Key:     key,
			Source:  filepath.Join(v.root, key.Source),
			KeyPath: path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Source < entries[j].Source
	})
	return entries, nil
}

// canonical makes a path absolute with all symlinks resolved. Vaults
// work on real paths; symlinked views would break the subtree-root
// climb and the relative keys.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// containsVaultDir reports whether any component of path is a vault
// directory
func containsVaultDir(path string) bool {
	for _, component := range strings.Split(path, string(filepath.Separator)) {
		if component == vaultDirName {
			return true
		}
	}
	return false
}

// subtreeRoot climbs from path to the root of its homogroupic
// subtree: the highest ancestor whose parent has a different group
func subtreeRoot(path string) (string, int, error) {
	st, err := file.Sys(path)
	if err != nil {
		return "", 0, err
	}
	gid := int(st.Gid)

	for path != string(filepath.Separator) {
		parent := filepath.Dir(path)
		pst, err := file.Sys(parent)
		if err != nil {
			return "", 0, err
		}
		if int(pst.Gid) != gid {
			break
		}
		path = parent
	}
	return path, gid, nil
}

// ensureDir checks that path is a directory, creating it (setgid, no
// world access) when create is set. A regular file in the way is a
// conflict; a missing directory without create means no vault.
func ensureDir(path string, create bool) (created bool, err error) {
	fi, err := os.Lstat(path)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return false, errors.Wrapf(ErrVaultConflict, "%q is not a directory", path)
		}
		return false, nil
	case !os.IsNotExist(err):
		return false, err
	case !create:
		return false, errors.Wrapf(ErrNoVault, "%q does not exist", path)
	}

	// mask out other-access regardless of the caller's umask
	old := unix.Umask(0o007)
	err = os.Mkdir(path, 0o770)
	unix.Umask(old)
	if err != nil {
		return false, err
	}
	if err := os.Chmod(path, vaultDirMode); err != nil {
		return false, err
	}
	return true, nil
}

// linkKey hardlinks source to keyPath, creating key directories as
// needed
func linkKey(source, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(keyPath), keyDirMode); err != nil {
		return err
	}
	return os.Link(source, keyPath)
}
