/*
main.go - Application entry point

COMMANDS:
  serve     HTTP API plus the expiration scheduler
  sweep     Run the expiration sweep once
  validate  Audit cached balances against the ledger (--fix to reconcile)
  metrics   Program totals

CONFIGURATION:
  kilometers.toml (--config), then .env (--env-file), then KM_* variables.

EXAMPLES:
  # Run with the default SQLite file
  ./kilometers serve

  # Run against PostgreSQL
  KM_STORE_DRIVER=postgres KM_POSTGRES_DSN=postgres://... ./kilometers serve

  # Repair one customer
  ./kilometers validate --customer c-42 --fix

SEE ALSO:
  - cli/: command implementations
  - config/config.go: configuration keys
*/
package main

import (
	"os"

	"github.com/warp/kilometers-engine/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
