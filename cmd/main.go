package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.3.0"

func main() {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		runServeCommand(args)
	case "accounts":
		runAccountsCommand(args)
	case "version":
		fmt.Printf("gravity-gateway %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`gravity-gateway - Anthropic-protocol gateway over a Google account pool

Usage:
  gravity-gateway [serve] [flags]     Run the gateway (default)
  gravity-gateway accounts <action>   Manage the account pool
  gravity-gateway version             Print the version

Serve flags:
  -c, --config <path>     Config file (default: config.yaml)
  -p, --port <port>       Listen port override
  -s, --strategy <name>   Selection strategy: sticky, round_robin, hybrid

Account actions:
  list                    Show all accounts and their state
  add                     Add an account (prompts for credentials)
  remove <email>          Remove an account
  enable <email>          Re-enable a disabled account
  disable <email>         Disable an account without removing it
  reset                   Clear all rate-limit state
`)
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	})
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
