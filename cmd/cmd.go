// Package cmd implements the vault command
//
// It is in a sub package so its internals can be re-used elsewhere
package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/vault"
)

// Exit codes
const (
	exitCodeSuccess = iota
	exitCodeFileErrors
	exitCodeUsageError
	exitCodeNoVault
)

// MaxArgs may be passed to CheckArgs by commands that accept any
// number of arguments
const MaxArgs = int(^uint(0) >> 1)

// Errors that resolve to exit codes
var (
	// ErrFilesFailed indicates some, but not necessarily all, of the
	// requested files could not be processed
	ErrFilesFailed = errors.New("not all files could be processed")

	errorNotEnoughArguments = errors.New("not enough arguments")
	errorTooManyArguments   = errors.New("too many arguments")
)

// Globals
var (
	// Flags
	verbose    int
	useJSONLog bool
	logFile    string
	version    bool
)

// Root is the main vault command
var Root = &cobra.Command{
	Use:   "vault",
	Short: "Annotate files for long-term retention or archival - " + core.Version,
	Long: `
Vault tracks files on shared group directories so that they survive
the automatic deletion of anything left untouched for too long.

Files can be annotated to be kept indefinitely, or to be staged for
archival the next time the batch process runs.  Soft-deleted files
linger in limbo for a grace period and can be recovered from there.

Annotations live in a hidden .vault directory at the root of the
nearest subtree that belongs to a single group; every member of that
group may annotate its files.
`,
	Run: func(command *cobra.Command, args []string) {
		if version {
			ShowVersion()
			os.Exit(exitCodeSuccess)
		}
		_ = command.Usage()
		os.Exit(exitCodeUsageError)
	},
}

func init() {
	Root.Flags().BoolVarP(&version, "version", "V", false, "Print the version number")
	persistentFlags := Root.PersistentFlags()
	persistentFlags.CountVarP(&verbose, "verbose", "v", "Print lots more stuff (repeat for more)")
	persistentFlags.VarP(&core.LogOpt.Level, "log-level", "", "Log level DEBUG|INFO|NOTICE|ERROR")
	persistentFlags.BoolVarP(&useJSONLog, "use-json-log", "", false, "Use json log format")
	persistentFlags.StringVarP(&logFile, "log-file", "", "", "Log everything to this file")
	cobra.OnInitialize(initConfig)
}

// AddFofnFlag defines the --fofn flag shared by the commands that
// operate on many files at once
func AddFofnFlag(flags *pflag.FlagSet, p *string) {
	flags.StringVarP(p, "fofn", "", "", "Also operate on the files listed in this file, one per line")
}

// ShowVersion prints the version to stdout
func ShowVersion() {
	fmt.Printf("vault %s\n", core.Version)
}

// initConfig is run by cobra after initialising the flags
func initConfig() {
	switch {
	case verbose >= 2:
		core.LogOpt.Level = core.LogLevelDebug
	case verbose == 1:
		core.LogOpt.Level = core.LogLevelInfo
	}
	core.LogOpt.UseJSONLog = useJSONLog
	core.LogOpt.File = logFile
	core.InitLogging()

	core.Debugf("vault", "version %q starting with parameters %q", core.Version, os.Args)
}

var environment struct {
	sync.Once
	cfg       *config.Config
	directory idm.IdM
	err       error
}

// Environment loads the vaultrc configuration and connects to the
// identity directory, once per invocation
func Environment() (*config.Config, idm.IdM, error) {
	environment.Do(func() {
		path, err := config.Path()
		if err != nil {
			environment.err = err
			return
		}
		if environment.cfg, environment.err = config.Load(path); environment.err != nil {
			return
		}
		environment.directory, environment.err = idm.New(environment.cfg.Identity)
	})
	return environment.cfg, environment.directory, environment.err
}

// Run executes the command's work function and turns its error into
// the process exit code
func Run(cmd *cobra.Command, f func() error) {
	err := f()
	if err != nil {
		core.Errorf(nil, "Failed to %s: %v", cmd.Name(), err)
	}
	resolveExitCode(err)
}

// CheckArgs checks there are enough arguments and prints a message if not
func CheckArgs(MinArgs, MaxArgs int, cmd *cobra.Command, args []string) {
	if len(args) < MinArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments minimum: you provided %d non flag arguments: %q\n", cmd.Name(), MinArgs, len(args), args)
		resolveExitCode(errorNotEnoughArguments)
	} else if len(args) > MaxArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments maximum: you provided %d non flag arguments: %q\n", cmd.Name(), MaxArgs, len(args), args)
		resolveExitCode(errorTooManyArguments)
	}
}

func resolveExitCode(err error) {
	switch {
	case err == nil:
		os.Exit(exitCodeSuccess)
	case errors.Is(err, vault.ErrNoVault):
		os.Exit(exitCodeNoVault)
	case errors.Is(err, errorNotEnoughArguments),
		errors.Is(err, errorTooManyArguments),
		errors.Is(err, config.ErrNotFound),
		errors.Is(err, config.ErrInvalid):
		os.Exit(exitCodeUsageError)
	default:
		os.Exit(exitCodeFileErrors)
	}
}

// Main runs vault interpreting flags and commands out of os.Args
func Main() {
	if err := Root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeUsageError)
	}
}
