// Command swarmd runs a standalone libp2p-compatible peer-to-peer
// networking node.
package main

import (
	"github.com/qri-io/swarmd/cmd"
)

func main() {
	cmd.Execute()
}
