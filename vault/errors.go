package vault

import "github.com/pkg/errors"

// Error kinds surfaced by the vault layer. Commands map these onto
// exit codes; the sweeper decides per kind whether to skip or abort.
var (
	// ErrNoVault means the reference has no covering vault
	ErrNoVault = errors.New("no vault covers this path")

	// ErrIsVault means the reference is (or is inside) a vault
	ErrIsVault = errors.New("path is physically contained in the vault")

	// ErrVaultConflict means a user file occupies a path the vault needs
	ErrVaultConflict = errors.New("vault conflicts with a user file")

	// ErrNotRegular means a non-regular file was passed where a
	// regular one is required
	ErrNotRegular = errors.New("not a regular file")

	// ErrPermissionDenied means the upfront permission checks failed
	// or the caller lacks rights
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotTracked means the file is not present in the expected branch
	ErrNotTracked = errors.New("file is not tracked by the vault")

	// ErrAlreadyTracked means the inode is already in another branch
	// from which it may not move
	ErrAlreadyTracked = errors.New("file is already tracked in another branch")

	// ErrCorrupt means a link-count or key inconsistency was detected
	ErrCorrupt = errors.New("vault corruption detected")

	// ErrMalformedKey means a vault key could not be decoded
	ErrMalformedKey = errors.New("malformed vault key")

	// ErrNotEnoughOwners means the group has fewer owners than the
	// configured minimum for vault operations
	ErrNotEnoughOwners = errors.New("group does not meet the minimum number of owners")
)
