package main

import (
	"os"

	"clockwork/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
