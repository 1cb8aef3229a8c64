package main

import (
	"os"

	"github.com/bindery-io/bindery/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
