// Command onprem-tags lists the published versions of the inference image.
package main

import (
	"os"

	"onprem/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteTags(os.Args[1:]))
}
