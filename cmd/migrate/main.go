// Command migrate applies or rolls back the trade store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/internal/infra/logging"
	"github.com/coachpo/brokerlink/internal/infra/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "BROKERLINK_DATABASE_DSN"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN (defaults to $"+dsnEnv+")")
		dir     = flag.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or " + dsnEnv + " is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	logger := zap.NewNop()
	if !*quiet {
		l, sync, err := logging.New(logging.Config{Format: "console", Level: "info"})
		if err != nil {
			return err
		}
		defer func() { _ = sync() }()
		logger = l.Named("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if err := migrations.Apply(ctx, *dsn, *dir, logger); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, *dsn, *dir, steps, logger); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	return nil
}
