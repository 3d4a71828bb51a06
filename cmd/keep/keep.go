// Package keep provides the keep command.
package keep

import (
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/vault/cmd"
	"github.com/wtsi-hgi/vault/vault"
)

var fofn string

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmd.AddFofnFlag(commandDefinition.Flags(), &fofn)
}

var commandDefinition = &cobra.Command{
	Use:   "keep [flags] FILE...",
	Short: `Mark files to be kept in perpetuity.`,
	Long: `
Mark files to be kept in perpetuity, exempting them from automatic
deletion however stale they become.

Keeping a file hardlinks it into its vault, so later renames or
deletions of the original do not lose track of it.  You must have
read and write access to a file to keep it, and it must be both
readable and writable by its group.

At most 10 files can be given on the command line; use --fofn to
annotate in bulk, eg

    find . -name "*.bam" > precious
    vault keep --fofn precious

Use "vault view keep" to list what is currently kept.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, cmd.MaxArgs, command, args)
		cmd.Run(command, func() error {
			files, err := cmd.GatherFiles(args, fofn)
			if err != nil {
				return err
			}
			return cmd.Annotate(vault.Keep, files)
		})
	},
}
