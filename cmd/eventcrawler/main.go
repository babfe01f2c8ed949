// The main package for the eventcrawler executable.
package main

import (
	"github.com/JakeFAU/event-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
