// Command scrape-wallhaven archives wallhaven wallpapers and their metadata.
package main

import (
	"os"

	"github.com/xtream1101/scrape-wallhaven/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
