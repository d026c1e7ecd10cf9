package main

import (
	"fmt"
	"os"

	"github.com/l3v3l/pulse/cmd/pulse/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
