package main

import (
	"os"

	"github.com/austindbirch/harbor_mesh/cmd/meshctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
