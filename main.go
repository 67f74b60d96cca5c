// The main package for the datasource-broker executable.
package main

import (
	"github.com/JakeFAU/datasource-broker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
