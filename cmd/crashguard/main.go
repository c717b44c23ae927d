package main

import (
	"os"

	"github.com/psantana5/crashguard/cmd/crashguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
