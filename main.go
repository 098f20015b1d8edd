// The main package for the mgnrega-tracker executable.
package main

import (
	"github.com/JakeFAU/mgnrega-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
