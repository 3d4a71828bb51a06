// Package all imports all the commands
package all

import (
	// Active commands
	_ "github.com/wtsi-hgi/vault/cmd"
	_ "github.com/wtsi-hgi/vault/cmd/archive"
	_ "github.com/wtsi-hgi/vault/cmd/keep"
	_ "github.com/wtsi-hgi/vault/cmd/recover"
	_ "github.com/wtsi-hgi/vault/cmd/sandman"
	_ "github.com/wtsi-hgi/vault/cmd/untrack"
	_ "github.com/wtsi-hgi/vault/cmd/view"
)
