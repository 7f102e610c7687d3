// Package main is the entry point for the telemetra application.
package main

import (
	"os"

	"github.com/telemetra/telemetra/cmd/telemetra/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
