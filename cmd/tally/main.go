// Package main provides the entry point for the tally CLI.
package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("load .env")
	}
	if err := Execute(); err != nil {
		fatal(err)
		os.Exit(1)
	}
}
