// Package recover provides the recover command.
package recover

import (
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/vault/cmd"
)

var all bool

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.BoolVarP(&all, "all", "", false, "Recover everything in limbo")
}

var commandDefinition = &cobra.Command{
	Use:   "recover [flags] [FILE...]",
	Short: `Recover soft-deleted files from limbo.`,
	Long: `
Recover soft-deleted files, restoring them to their original paths.

Files deleted by the batch process are kept in their vault's limbo
for a grace period before they are permanently removed.  Until then
they can be recovered by anyone in the vault's group:

    vault recover projects/run7/results.bam
    vault recover --all

Recovery resets the file's modification time, so a recovered file
starts a fresh deletion countdown.  A file cannot be recovered over
an existing file at its original path.
`,
	Run: func(command *cobra.Command, args []string) {
		if all {
			cmd.CheckArgs(0, 0, command, args)
		} else {
			cmd.CheckArgs(1, cmd.MaxArgs, command, args)
		}
		cmd.Run(command, func() error {
			return cmd.Recover(all, args)
		})
	},
}
