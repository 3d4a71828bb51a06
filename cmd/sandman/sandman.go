// Package sandman provides the sandman batch command.
package sandman

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/vault/cmd"
	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/mail"
	"github.com/wtsi-hgi/vault/persistence"
	"github.com/wtsi-hgi/vault/quorum/candelete"
	"github.com/wtsi-hgi/vault/sandman"
)

var (
	dryRun     bool
	forceDrain bool
	statsFile  string
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.BoolVarP(&dryRun, "dry-run", "", false, "Log what would happen without doing it")
	cmdFlags.BoolVarP(&forceDrain, "force-drain", "", false, "Drain the staging queue even when under the threshold")
	cmdFlags.StringVarP(&statsFile, "stats", "", "", "Walk this gzipped mpistat listing instead of the filesystem")
}

var commandDefinition = &cobra.Command{
	Use:   "sandman [flags] DIR...",
	Short: `Run the batch process over vaulted directories.`,
	Long: `
Run the batch process over the given directories, each of which must
be the root of a vaulted subtree.  In order, sandman:

  * soft-deletes untracked files that have passed the deletion
    threshold, warning their owners and group owners beforehand
  * permanently deletes files whose limbo grace period has run out
  * stages archive and stash annotated files for the archive handler
  * emails each stakeholder a summary of what happened to their files
  * hands the staged files to the archive handler, when enough have
    accumulated to be worth a run

On filesystems where a full walk is too expensive, --stats takes a
gzipped mpistat listing to walk instead; if the listing is too old
the files it names are re-stat'ed individually.

Deletion never proceeds on a mere majority: a panel of independent
age checks must agree unanimously, and any disagreement aborts the
whole run.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(1, cmd.MaxArgs, command, args)
		cmd.Run(command, func() error {
			return run(args)
		})
	},
}

type closableWalker interface {
	sandman.Walker
	Close()
}

func newWalker(directory idm.IdM, minOwners int, roots []string) (closableWalker, error) {
	if statsFile != "" {
		return sandman.NewStatsWalker(statsFile, directory, minOwners, roots...)
	}
	return sandman.NewFilesystemWalker(directory, minOwners, roots...)
}

func checkpoints(cfg *config.Config) []time.Duration {
	out := make([]time.Duration, len(cfg.Deletion.Warnings))
	for i, h := range cfg.Deletion.Warnings {
		out[i] = h.Duration()
	}
	return out
}

func run(roots []string) error {
	cfg, directory, err := cmd.Environment()
	if err != nil {
		return err
	}

	// a signal lets the in-flight file finish, then stops the run
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := persistence.New(ctx, cfg.Persistence, directory)
	if err != nil {
		return err
	}
	defer db.Close()

	gate, err := candelete.Gate()
	if err != nil {
		return err
	}

	walker, err := newWalker(directory, cfg.MinGroupOwners, roots)
	if err != nil {
		return err
	}
	defer walker.Close()

	sweeper := sandman.NewSweeper(db, gate, timeutil.RealClock(), cfg)
	sweeper.DryRun = dryRun
	if err := sweeper.Sweep(ctx, walker); err != nil {
		return err
	}

	if dryRun {
		core.Logf(sweeper, "dry run complete, skipping notification and drain")
		return nil
	}

	if err := db.Clean(ctx); err != nil {
		return err
	}

	notifier := sandman.NewNotifier(db, directory, mail.NewPostman(cfg.Email), checkpoints(cfg))
	if err := notifier.Notify(ctx); err != nil {
		return err
	}

	drainer := sandman.NewDrainer(db, cfg.Archive)
	return drainer.Drain(ctx, forceDrain)
}
