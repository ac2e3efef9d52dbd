package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/loqalabs/loqa-notes/internal/cli"
)

var version = "0.1.0-dev"

func main() {
	if err := cli.NewRoot(version).Execute(); err != nil {
		os.Exit(1)
	}
}
