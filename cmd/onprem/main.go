// Command onprem runs and supervises the Datalab inference container.
package main

import (
	"os"

	"onprem/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
