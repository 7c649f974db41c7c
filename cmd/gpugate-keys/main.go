// Command gpugate-keys administers API keys out of band: add, revoke, list.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/config"
	"github.com/ubuygold/gpugate/internal/db"
	"github.com/ubuygold/gpugate/internal/model"
)

const usage = `usage: gpugate-keys [-config path] <command> [args]

commands:
  add <owner>    create a new active key and print it
  revoke <key>   deactivate a key permanently
  list           show every key with its status and request count
`

// openStore is replaced in tests.
var openStore = func(cfg config.DatabaseConfig) (db.Service, error) {
	return db.NewService(cfg)
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gpugate-keys", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	defaultConfig := os.Getenv("GPUGATE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := fs.String("config", defaultConfig, "path to the gateway config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, _, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	store, err := openStore(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening database: %v\n", err)
		return 1
	}
	defer store.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "add":
		if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
			fmt.Fprintln(stderr, "usage: gpugate-keys add <owner>")
			return 2
		}
		return addKey(ctx, store, strings.TrimSpace(rest[0]), stdout, stderr)
	case "revoke":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "usage: gpugate-keys revoke <key>")
			return 2
		}
		return revokeKey(ctx, store, rest[0], stdout, stderr)
	case "list":
		return listKeys(ctx, store, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

func addKey(ctx context.Context, store db.Service, owner string, stdout, stderr io.Writer) int {
	value, err := auth.GenerateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := store.CreateAPIKey(ctx, &model.APIKey{Key: value, Owner: owner}); err != nil {
		fmt.Fprintf(stderr, "Error: could not add key: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Added new key for %q: %s\n", owner, value)
	return 0
}

func revokeKey(ctx context.Context, store db.Service, value string, stdout, stderr io.Writer) int {
	found, err := store.RevokeAPIKey(ctx, value)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !found {
		fmt.Fprintf(stdout, "Key %s not found.\n", auth.MaskKey(value))
		return 1
	}
	fmt.Fprintf(stdout, "Key %s has been revoked.\n", auth.MaskKey(value))
	return 0
}

func listKeys(ctx context.Context, store db.Service, stdout, stderr io.Writer) int {
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(keys) == 0 {
		fmt.Fprintln(stdout, "No keys found. Add one with: gpugate-keys add <owner>")
		return 0
	}

	fmt.Fprintln(stdout, "--- API Keys ---")
	for _, k := range keys {
		status := "Active"
		if !k.IsActive {
			status = "Inactive"
		}
		fmt.Fprintf(stdout, "Owner: %-15s | Key: %-20s | Status: %-10s | Requests: %d\n", k.Owner, auth.MaskKey(k.Key), status, k.RequestCount)
	}
	fmt.Fprintln(stdout, "----------------")
	return 0
}
