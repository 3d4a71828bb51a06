package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/lib/file"
	"github.com/wtsi-hgi/vault/vault"
)

// maxArgFiles caps how many files an annotation command accepts on
// the command line; anything bigger goes through --fofn
const maxArgFiles = 10

// GatherFiles merges the positional FILE arguments with the contents
// of a fofn listing, one path per line
func GatherFiles(args []string, fofn string) ([]string, error) {
	if len(args) > maxArgFiles {
		return nil, errors.Errorf("no more than %d files per invocation; use --fofn for bulk operations", maxArgFiles)
	}
	files := append([]string{}, args...)

	if fofn != "" {
		f, err := os.Open(fofn)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read fofn %q", fofn)
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				files = append(files, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrapf(err, "cannot read fofn %q", fofn)
		}
	}

	if len(files) == 0 {
		return nil, errors.New("no files given")
	}
	return files, nil
}

// Annotate adds every given file to the named branch of its vault,
// creating the vault if the subtree does not have one yet. Per-file
// failures are logged and counted rather than aborting the batch.
func Annotate(branch vault.Branch, files []string) error {
	cfg, directory, err := Environment()
	if err != nil {
		return err
	}

	failures := 0
	for _, path := range files {
		if err := annotate(branch, path, directory, cfg.MinGroupOwners); err != nil {
			core.Errorf(nil, "cannot add %q to %s: %v", path, branch, err)
			failures++
		}
	}
	if failures > 0 {
		return errors.Wrapf(ErrFilesFailed, "%d of %d", failures, len(files))
	}
	return nil
}

func annotate(branch vault.Branch, path string, directory idm.IdM, minOwners int) error {
	v, err := vault.New(path, directory, minOwners, true)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	if err := v.Lock(); err != nil {
		return err
	}
	defer func() { _ = v.Unlock() }()

	return v.Add(branch, path)
}

// Untrack removes files from whichever branch tracks them. Only the
// file's owner, or an owner of the vault's group, may untrack it.
func Untrack(files []string) error {
	cfg, directory, err := Environment()
	if err != nil {
		return err
	}
	uid := os.Geteuid()

	failures := 0
	for _, path := range files {
		if err := untrack(path, directory, cfg.MinGroupOwners, uid); err != nil {
			if errors.Is(err, vault.ErrNoVault) {
				return err
			}
			core.Errorf(nil, "cannot untrack %q: %v", path, err)
			failures++
		}
	}
	if failures > 0 {
		return errors.Wrapf(ErrFilesFailed, "%d of %d", failures, len(files))
	}
	return nil
}

func untrack(path string, directory idm.IdM, minOwners, uid int) error {
	v, err := vault.New(path, directory, minOwners, false)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	if err := v.Lock(); err != nil {
		return err
	}
	defer func() { _ = v.Unlock() }()

	if err := vault.Removable(path, uid, v.Group()); err != nil {
		return err
	}

	inode, err := file.Inode(path)
	if err != nil {
		return err
	}
	branch, found, err := v.Lookup(inode)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(vault.ErrNotTracked, "%q", path)
	}
	if branch == vault.Staged || branch == vault.Limbo {
		return errors.Errorf("%q is already %s and can no longer be untracked", path, branch)
	}

	return v.Remove(branch, path)
}

// View contexts
const (
	ViewAll  = "all"  // every tracked file in the vault
	ViewHere = "here" // only files under the working directory
	ViewMine = "mine" // only files owned by the caller
)

// View prints the files tracked in the given branch of the vault
// covering the working directory, one per line. Paths are rendered
// relative to the working directory unless absolute is set.
func View(branch vault.Branch, context string, absolute bool) error {
	switch context {
	case ViewAll, ViewHere, ViewMine:
	default:
		return errors.Errorf("unknown view context %q: must be %s, %s or %s", context, ViewAll, ViewHere, ViewMine)
	}

	cfg, directory, err := Environment()
	if err != nil {
		return err
	}

	cwd, err := workingDirectory()
	if err != nil {
		return err
	}
	v, err := vault.New(cwd, directory, cfg.MinGroupOwners, false)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	entries, err := v.List(branch)
	if err != nil {
		return err
	}

	uid := os.Geteuid()
	for _, e := range entries {
		switch context {
		case ViewHere:
			if !strings.HasPrefix(e.Source, cwd+string(filepath.Separator)) {
				continue
			}
		case ViewMine:
			// the source may be gone for staged files, but the vault's
			// hardlink shares its inode and so its owner
			st, err := file.Sys(e.KeyPath)
			if err != nil || int(st.Uid) != uid {
				continue
			}
		}

		rendered := e.Source
		if !absolute {
			if rel, err := filepath.Rel(cwd, e.Source); err == nil {
				rendered = rel
			}
		}
		fmt.Println(rendered)
	}
	return nil
}

// Recover restores soft-deleted files from the limbo of the vault
// covering the working directory. With all set every limbo file is
// restored, otherwise only the named ones.
func Recover(all bool, files []string) error {
	cfg, directory, err := Environment()
	if err != nil {
		return err
	}

	cwd, err := workingDirectory()
	if err != nil {
		return err
	}
	v, err := vault.New(cwd, directory, cfg.MinGroupOwners, false)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	if err := v.Lock(); err != nil {
		return err
	}
	defer func() { _ = v.Unlock() }()

	entries, err := v.List(vault.Limbo)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(files))
	for _, path := range files {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		wanted[filepath.Clean(abs)] = true
	}

	failures := 0
	for _, e := range entries {
		if !all {
			if !wanted[e.Source] {
				continue
			}
			delete(wanted, e.Source)
		}
		if err := v.Recover(e); err != nil {
			core.Errorf(nil, "cannot recover %q: %v", e.Source, err)
			failures++
		}
	}
	for path := range wanted {
		core.Errorf(nil, "%q is not in limbo", path)
		failures++
	}

	if failures > 0 {
		return errors.Wrap(ErrFilesFailed, "recover")
	}
	return nil
}

// workingDirectory resolves the cwd the way vaults resolve paths, so
// prefix comparisons against tracked sources hold
func workingDirectory() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(cwd)
}
