// Package untrack provides the untrack command.
package untrack

import (
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/vault/cmd"
)

var fofn string

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmd.AddFofnFlag(commandDefinition.Flags(), &fofn)
}

var commandDefinition = &cobra.Command{
	Use:   "untrack [flags] FILE...",
	Short: `Remove the vault annotation from files.`,
	Long: `
Remove the keep or archive annotation from files, returning them to
the normal deletion lifecycle.

Only the owner of a file, or an owner of the vault's group, may
untrack it.  Files that have already been staged for the archive
handler, or soft-deleted into limbo, can no longer be untracked.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, cmd.MaxArgs, command, args)
		cmd.Run(command, func() error {
			files, err := cmd.GatherFiles(args, fofn)
			if err != nil {
				return err
			}
			return cmd.Untrack(files)
		})
	},
}
