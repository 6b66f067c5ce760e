package main

import (
	"os"

	"klinevault/cmd/klinevault/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
