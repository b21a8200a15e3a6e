package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/mycelian/mycelian-memory/companion/companionservice"
)

func main() {
	// Optional driver override (postgres | sqlite)
	dbDriver := flag.String("db-driver", "", "Override COMPANION_DB_DRIVER (postgres, sqlite)")
	flag.Parse()

	if err := companionservice.Run(companionservice.Overrides{DBDriver: *dbDriver}); err != nil {
		log.Error().Err(err).Msg("companion-service exited with error")
		os.Exit(1)
	}
}
