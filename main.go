package main

import (
	"os"

	"github.com/GrainArc/GeoRef/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
