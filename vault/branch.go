// Package vault implements the on-disk vault: a hardlink-based,
// inode-addressed side-channel at the root of a homogroupic subtree
// which records file retention state in-band with the filesystem.
package vault

// Branch is a vault branch/namespace
type Branch int

// The vault branches. Keep and Archive are user-facing; Stash is the
// archive-without-delete variant; Staged and Limbo are owned by the
// sweep/drain machinery and hidden on disk.
const (
	Keep Branch = iota
	Archive
	Stash
	Staged
	Limbo
)

var branchToString = []string{
	Keep:    "keep",
	Archive: "archive",
	Stash:   "stash",
	Staged:  "staged",
	Limbo:   "limbo",
}

var branchToDir = []string{
	Keep:    "keep",
	Archive: "archive",
	Stash:   ".stash",
	Staged:  ".staged",
	Limbo:   ".limbo",
}

// String turns a Branch into a string
func (b Branch) String() string {
	if int(b) >= len(branchToString) {
		return "unknown"
	}
	return branchToString[b]
}

// Dir returns the branch's directory name inside the vault
func (b Branch) Dir() string {
	if int(b) >= len(branchToDir) {
		return "unknown"
	}
	return branchToDir[b]
}

// Branches returns all branches in a stable order
func Branches() []Branch {
	return []Branch{Keep, Archive, Stash, Staged, Limbo}
}
