package main

import (
	"os"

	"github.com/tokenvault/tokenvault/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
