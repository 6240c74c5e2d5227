package main

import (
	"os"

	"fireforge/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
