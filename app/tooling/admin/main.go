// This program performs administrative tasks against a chain store.
package main

import "github.com/ardanlabs/blockstore/app/tooling/admin/cmd"

func main() {
	cmd.Execute()
}
