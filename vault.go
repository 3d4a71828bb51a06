// Track files on shared group directories, keeping or archiving them
// ahead of automatic deletion
package main

import (
	"github.com/wtsi-hgi/vault/cmd"
	_ "github.com/wtsi-hgi/vault/cmd/all" // import all commands
)

func main() {
	cmd.Main()
}
