// The main package for the resilient-fetch executable.
package main

import (
	"github.com/JakeFAU/resilient-fetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
