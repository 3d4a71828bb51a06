// Package view provides the view command.
package view

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/vault/cmd"
	"github.com/wtsi-hgi/vault/vault"
)

var (
	here     bool
	mine     bool
	absolute bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.BoolVarP(&here, "here", "", false, "Only list files under the working directory")
	cmdFlags.BoolVarP(&mine, "mine", "", false, "Only list files you own")
	cmdFlags.BoolVarP(&absolute, "absolute", "", false, "Print absolute paths")
}

var commandDefinition = &cobra.Command{
	Use:   "view [flags] BRANCH",
	Short: `List the files tracked in a vault branch.`,
	Long: `
List the files tracked in a branch of the vault covering the working
directory, one per line.  BRANCH is one of:

    keep      files kept in perpetuity
    archive   files awaiting the next batch run
    stash     files awaiting archival of a copy
    staged    files staged for the archive handler
    limbo     soft-deleted files still within their grace period

Paths are printed relative to the working directory; use --absolute
for absolute paths.  --here narrows the listing to files under the
working directory and --mine to files you own, eg

    vault view --mine limbo
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(1, 1, command, args)
		cmd.Run(command, func() error {
			branch, err := parseBranch(args[0])
			if err != nil {
				return err
			}

			context := cmd.ViewAll
			switch {
			case here && mine:
				return errors.New("--here and --mine are mutually exclusive")
			case here:
				context = cmd.ViewHere
			case mine:
				context = cmd.ViewMine
			}
			return cmd.View(branch, context, absolute)
		})
	},
}

func parseBranch(name string) (vault.Branch, error) {
	for _, b := range vault.Branches() {
		if b.String() == name {
			return b, nil
		}
	}
	return 0, errors.Errorf("unknown branch %q", name)
}
