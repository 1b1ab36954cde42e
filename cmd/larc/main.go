package main

import (
	"fmt"
	"os"

	"github.com/beam-cloud/larc/pkg/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
