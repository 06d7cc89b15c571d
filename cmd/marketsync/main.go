package main

import (
	"github.com/joho/godotenv"

	"marketsync/internal/cli"
)

func main() {
	// A missing .env is fine; environment overrides stay optional.
	_ = godotenv.Load()

	cli.Execute()
}
