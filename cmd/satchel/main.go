package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/hallway/satchel/internal/cli"
)

func main() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
