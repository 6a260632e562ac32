package main

import (
	"os"

	"github.com/ZanzyTHEbar/cyoa-agents/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
