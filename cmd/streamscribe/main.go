// Package main is the entry point for the streamscribe worker.
package main

import (
	"os"

	"github.com/streamscribe/streamscribe/cmd/streamscribe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
