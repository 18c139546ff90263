package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"

	"github.com/localcache/segcache/internal/config"
)

func main() {
	args := &config.Arguments{}
	arg.MustParse(args)

	if err := config.LoadFile(args.Config, args); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ll, err := zerolog.ParseLevel(args.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %s\n", args.LogLevel)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(ll)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	hostname, _ := os.Hostname()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("self", hostname).Logger()
	ctx := log.WithContext(context.Background())

	switch {
	case args.Serve != nil:
		err = runServe(ctx, args.Serve)
	case args.Get != nil:
		err = runGet(ctx, args.Get)
	default:
		err = fmt.Errorf("unknown subcommand")
	}

	if err != nil {
		log.Error().Err(err).Msg("cached error")
		os.Exit(1)
	}
}
