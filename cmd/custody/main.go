// custody runs and administers a treasury custody node: a ledger hosting the
// token program and a claim program that pays out of a treasury owned by a
// program derived authority.
package main

import (
	"fmt"
	"os"
)

// Version information, set by the linker.
var (
	version   = "dev"
	gitCommit = "dev"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
