package main

import (
	"os"

	"github.com/soundprediction/go-docgraph/cmd/docgraph"
)

func main() {
	if err := docgraph.Execute(); err != nil {
		os.Exit(1)
	}
}
