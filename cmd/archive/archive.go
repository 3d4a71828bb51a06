// Package archive provides the archive command.
package archive

import (
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/vault/cmd"
	"github.com/wtsi-hgi/vault/vault"
)

var (
	fofn  string
	stash bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmd.AddFofnFlag(cmdFlags, &fofn)
	cmdFlags.BoolVarP(&stash, "stash", "", false, "Archive a copy but leave the original in place")
}

var commandDefinition = &cobra.Command{
	Use:   "archive [flags] FILE...",
	Short: `Mark files to be archived by the batch process.`,
	Long: `
Mark files to be archived the next time the batch process runs.
Archived files are handed to the downstream archive handler and then
deleted; with --stash a copy is archived and the original is left
where it is.

Archiving a file hardlinks it into its vault, so renaming or even
deleting the original before the batch process runs does not lose the
annotation.  You must have read and write access to a file to archive
it, and it must be both readable and writable by its group.

At most 10 files can be given on the command line; use --fofn to
annotate in bulk.

Use "vault view archive" to list what is awaiting archival, and
"vault view staged" for files the batch process has staged but the
handler has not yet drained.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, cmd.MaxArgs, command, args)
		cmd.Run(command, func() error {
			files, err := cmd.GatherFiles(args, fofn)
			if err != nil {
				return err
			}
			branch := vault.Archive
			if stash {
				branch = vault.Stash
			}
			return cmd.Annotate(branch, files)
		})
	},
}
