package main

import (
	"os"

	"github.com/vjranagit/tsdv/internal/cli"
)

func main() {
	os.Exit(cli.New().Execute())
}
