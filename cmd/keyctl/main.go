package main

import (
	"os"

	"wylloh/cmd/keyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
