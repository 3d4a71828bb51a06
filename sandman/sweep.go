package sandman

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/lib/file"
	"github.com/wtsi-hgi/vault/persistence"
	"github.com/wtsi-hgi/vault/quorum"
	"github.com/wtsi-hgi/vault/vault"
)

// Recorder is the slice of the persistence layer the sweeper commits
// its decisions to
type Recorder interface {
	RecordDeleted(ctx context.Context, f *persistence.File) error
	RecordStaged(ctx context.Context, f *persistence.File) error
	RecordWarning(ctx context.Context, f *persistence.File, tminus time.Duration) error
}

// Sweeper drives each walked file through the retention state
// machine. Decisions and their commits are strictly sequential; only
// the walk feeding it is parallel.
type Sweeper struct {
	db    Recorder
	gate  *quorum.Gate
	clock timeutil.Clock
	cfg   *config.Config

	// DryRun logs every would-be action without touching the
	// filesystem or the database
	DryRun bool
}

// NewSweeper assembles a sweeper from its collaborators
func NewSweeper(db Recorder, gate *quorum.Gate, clock timeutil.Clock, cfg *config.Config) *Sweeper {
	return &Sweeper{db: db, gate: gate, clock: clock, cfg: cfg}
}

func (s *Sweeper) String() string {
	if s.DryRun {
		return "sweeper (dry run)"
	}
	return "sweeper"
}

// Sweep walks every entry through the state machine. Cancelling ctx
// lets the in-flight file finish its decision and commit, then stops
// cleanly; database commits deliberately do not share the walk's
// context for that reason.
func (s *Sweeper) Sweep(ctx context.Context, w Walker) error {
	commitCtx := context.Background()

	err := w.Walk(ctx, func(e *Entry) error {
		return s.handle(commitCtx, e)
	})
	if errors.Is(err, context.Canceled) {
		core.Logf(s, "interrupted, stopping the sweep")
		return nil
	}
	return err
}

func (s *Sweeper) handle(ctx context.Context, e *Entry) error {
	// each decision holds the vault's cooperative lock, so annotation
	// commands and the sweeper take turns rather than interleave
	if err := e.Vault.Lock(); err == nil {
		defer func() { _ = e.Vault.Unlock() }()
	} else {
		core.Errorf(e.Vault, "cannot take the vault lock, proceeding unserialised: %v", err)
	}

	age := s.clock.Now().Sub(e.File.MTime)

	if e.Physical {
		return s.handleVaultFile(e, age)
	}
	switch {
	case !e.Tracked:
		return s.handleUntracked(ctx, e, age)
	case e.Branch == vault.Keep:
		return s.handleKept(e, age)
	case e.Branch == vault.Archive || e.Branch == vault.Stash:
		return s.handleArchival(ctx, e)
	default:
		// staged and limbo inodes are handled from their vault side
		return nil
	}
}

// handleUntracked soft-deletes expired files and warns about
// impending ones
func (s *Sweeper) handleUntracked(ctx context.Context, e *Entry, age time.Duration) error {
	threshold := s.cfg.Deletion.Threshold.Duration()
	if age < threshold {
		return s.warn(ctx, e, threshold-age)
	}

	lock, err := file.TryLock(e.File.Path)
	if err != nil {
		if errors.Is(err, file.ErrLocked) {
			core.Infof(s, "skipping %q: locked by another process", e.File.Path)
			return nil
		}
		if os.IsNotExist(err) {
			return nil // deleted from under us, nothing to do
		}
		return errors.Wrapf(err, "cannot act on %q", e.File.Path)
	}
	defer func() { _ = lock.Release() }()

	// The gate cross-checks the age computation: anything short of a
	// unanimous yes for a file we believe is overdue is a bug, and no
	// further deletion can be trusted.
	deletable, err := s.gate.Decide(threshold, age)
	if err != nil {
		return err
	}
	if !deletable {
		return errors.Wrapf(quorum.ErrNoConsensus,
			"deciders rejected overdue file %q (age %v)", e.File.Path, age)
	}

	if s.DryRun {
		core.Logf(s, "would soft-delete %q (age %v)", e.File.Path, age)
		return nil
	}

	limboPath, err := e.Vault.Link(vault.Limbo, e.File.Path)
	if err != nil {
		return errors.Wrapf(err, "cannot move %q into limbo", e.File.Path)
	}
	if err := file.Delete(e.File.Path); err != nil {
		return err
	}
	// limbo grace is measured from the soft-deletion itself
	if err := file.Touch(limboPath); err != nil {
		core.Errorf(s, "cannot reset mtime on %q: %v", limboPath, err)
	}

	core.Logf(e.Vault, "%q soft-deleted (age %v)", e.File.Path, age)
	return s.db.RecordDeleted(ctx, e.File.Model(limboPath))
}

// warn records every applicable warning checkpoint. Checkpoints are
// deduplicated downstream per file record, which restarts when the
// file's mtime changes; touching a file therefore re-arms them.
func (s *Sweeper) warn(ctx context.Context, e *Entry, remaining time.Duration) error {
	for _, h := range s.cfg.Deletion.Warnings {
		if remaining > h.Duration() {
			continue
		}
		if s.DryRun {
			core.Logf(s, "would warn about %q (deletion in %v)", e.File.Path, remaining)
			continue
		}
		if err := s.db.RecordWarning(ctx, e.File.Model(""), h.Duration()); err != nil {
			return err
		}
	}
	return nil
}

// handleKept untracks files that have outlived the keep threshold,
// when one is configured
func (s *Sweeper) handleKept(e *Entry, age time.Duration) error {
	keep := s.cfg.Deletion.Keep.Duration()
	if keep == 0 || age < keep {
		return nil
	}
	if s.DryRun {
		core.Logf(s, "would untrack %q (kept for %v)", e.File.Path, age)
		return nil
	}
	if err := e.Vault.Remove(vault.Keep, e.File.Path); err != nil {
		return errors.Wrapf(err, "cannot untrack %q", e.File.Path)
	}
	core.Logf(e.Vault, "%q untracked after %v in keep", e.File.Path, age)
	return nil
}

// handleArchival stages archive and stash files, deleting the source
// for archive only
func (s *Sweeper) handleArchival(ctx context.Context, e *Entry) error {
	lock, err := file.TryLock(e.File.Path)
	if err != nil {
		if errors.Is(err, file.ErrLocked) {
			core.Infof(s, "skipping %q: still being written", e.File.Path)
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "cannot act on %q", e.File.Path)
	}
	defer func() { _ = lock.Release() }()

	if s.DryRun {
		core.Logf(s, "would stage %q for archival", e.File.Path)
		return nil
	}

	// re-encoding from the live path corrects any stale key
	stagedPath, err := e.Vault.Relocate(e.Branch, vault.Staged, e.File.Inode, e.File.Path)
	if err != nil {
		return errors.Wrapf(err, "cannot stage %q", e.File.Path)
	}
	if e.Branch == vault.Archive {
		if err := file.Delete(e.File.Path); err != nil {
			return err
		}
	}

	core.Logf(e.Vault, "%q staged for archival from %s", e.File.Path, e.Branch)
	return s.db.RecordStaged(ctx, e.File.Model(stagedPath))
}

// handleVaultFile processes the physical hardlinks inside a vault:
// limbo aging and orphaned tracked copies
func (s *Sweeper) handleVaultFile(e *Entry, age time.Duration) error {
	switch e.Branch {
	case vault.Limbo:
		if e.File.Nlink > 1 {
			// an interrupted soft-delete: the surviving source will be
			// swept again and finish the job
			return nil
		}
		limbo := s.cfg.Deletion.Limbo.Duration()
		if age < limbo {
			return nil
		}

		deletable, err := s.gate.Decide(limbo, age)
		if err != nil {
			return err
		}
		if !deletable {
			return errors.Wrapf(quorum.ErrNoConsensus,
				"deciders rejected limbo file %q (age %v)", e.File.Path, age)
		}

		if s.DryRun {
			core.Logf(s, "would permanently delete %q (in limbo for %v)", e.File.Path, age)
			return nil
		}
		if err := e.Vault.Forget(vault.Limbo, e.File.Path); err != nil {
			return err
		}
		core.Logf(e.Vault, "%q permanently deleted after %v in limbo", e.File.Path, age)
		return nil

	case vault.Keep, vault.Archive, vault.Stash:
		if e.File.Nlink > 1 {
			return nil // source alive and well
		}
		// the user unlinked the source; honour that by dropping the
		// vault's copy too
		if s.DryRun {
			core.Logf(s, "would drop orphaned vault copy %q", e.File.Path)
			return nil
		}
		if err := e.Vault.Forget(e.Branch, e.File.Path); err != nil {
			return err
		}
		core.Logf(e.Vault, "%q lost its source, vault copy dropped from %s", e.File.Path, e.Branch)
		return nil

	default:
		// staged copies belong to the drainer; stash-staged files
		// legitimately keep a live source, so nothing is inferred from
		// their link counts
		return nil
	}
}
