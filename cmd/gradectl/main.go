// Command gradectl grades local plain-text files from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
