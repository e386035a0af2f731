// Command profileserver runs a federated identity hosting node: it
// accepts connections on five TLS role ports, persists hosted
// identities and their relationships, and replicates profile changes
// to neighbor servers and followers.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/profileserver/cmd/profileserver/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
