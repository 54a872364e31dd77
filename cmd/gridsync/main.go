package main

import (
	"os"

	"github.com/Sternrassler/gridsync/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
