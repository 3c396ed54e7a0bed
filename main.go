package main

import (
	"os"

	"github.com/mhadzic/relayd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
