// Package main is the entry point for the lowpan node.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/lowpan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
