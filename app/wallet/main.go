// This program is a simple wallet that talks to a running node.
package main

import "github.com/ardanlabs/blockstore/app/wallet/cmd"

func main() {
	cmd.Execute()
}
