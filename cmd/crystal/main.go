package main

import (
	"os"

	"github.com/lazypower/crystal/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
