// Command triagectl is the operator CLI: it mints development tokens, runs
// the triage pipeline against the configured database and tails published
// triage outcomes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
