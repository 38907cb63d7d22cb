// The main package for the datacollector executable.
package main

import (
	"github.com/JakeFAU/data-collector/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
