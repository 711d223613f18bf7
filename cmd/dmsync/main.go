// dmsync is a terminal client for the dmsync mailbox.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/dmsync/clients/go/mailbox"
	"github.com/eldtechnologies/dmsync/internal/chatlog"
	"github.com/eldtechnologies/dmsync/internal/config"
	"github.com/eldtechnologies/dmsync/internal/engine"
	"github.com/eldtechnologies/dmsync/internal/tracing"
)

type contextKey int

const contextKeyApp contextKey = iota

// app holds what every command needs once flags and environment are resolved.
type app struct {
	cfg     *config.ClientConfig
	client  *mailbox.Client
	sealer  *mailbox.Sealer // nil when no key is configured
	address string          // derived from the key
	logger  zerolog.Logger

	shutdownTracing func(context.Context) error
}

func getApp(ctx *cli.Context) *app {
	return ctx.Context.Value(contextKeyApp).(*app)
}

func prepareApp(ctx *cli.Context) error {
	cfg := config.LoadClient()
	if ctx.IsSet("url") {
		cfg.URL = ctx.String("url")
	}
	if ctx.IsSet("db") {
		cfg.DBPath = ctx.String("db")
	}
	if ctx.IsSet("key") {
		cfg.Key = ctx.String("key")
	}

	level := zerolog.WarnLevel
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()

	a := &app{cfg: cfg, logger: logger}
	var key ed25519.PrivateKey
	if cfg.Key != "" {
		var err error
		key, err = mailbox.KeyFromSeed(cfg.Key)
		if err != nil {
			return fmt.Errorf("failed to load key: %w", err)
		}
		a.sealer = mailbox.NewSealer(key)
	}
	a.client = mailbox.NewClient(cfg.URL, key)
	a.address = a.client.Address

	shutdown, err := tracing.Setup(ctx.Context, "dmsync", ctx.App.Version)
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown

	ctx.Context = context.WithValue(ctx.Context, contextKeyApp, a)
	return nil
}

func finishApp(ctx *cli.Context) error {
	a, ok := ctx.Context.Value(contextKeyApp).(*app)
	if !ok {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.shutdownTracing(sctx)
}

// requiresKey is the Before hook of commands that act as a participant.
// The key signs every request and its public half is the local address.
func requiresKey(ctx *cli.Context) error {
	if getApp(ctx).sealer == nil {
		return errors.New("no key: pass --key or set DMSYNC_KEY (create one with genkey)")
	}
	return nil
}

// openEngine builds an engine over the configured log. The returned
// function closes the engine and then the log.
func (a *app) openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	var store chatlog.Store
	if a.cfg.DBPath != "" {
		s, err := chatlog.NewSQLiteStore(ctx, a.cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", a.cfg.DBPath, err)
		}
		store = s
	} else {
		store = chatlog.NewMemoryStore()
	}

	eng, err := engine.New(engine.Options{
		Self:    a.address,
		Fetcher: a.client,
		Sender:  a.client,
		Store:   store,
		Policy:  a.cfg.Policy(),
		Logger:  a.logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	closeFn := func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(cctx); err != nil {
			a.logger.Warn().Err(err).Msg("engine did not stop cleanly")
		}
		if err := store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close message log")
		}
	}
	return eng, closeFn, nil
}

func main() {
	cliApp := &cli.App{
		Name:    "dmsync",
		Usage:   "Live direct messages over a pull-only mailbox",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Mailbox server URL (default: $DMSYNC_URL or http://localhost:8080)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite file caching conversations (default: $DMSYNC_DB, in memory when empty)",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Base64 Ed25519 seed; signs requests, seals payloads and sets your address (default: $DMSYNC_KEY)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log sync activity to stderr",
			},
		},
		Before: prepareApp,
		After:  finishApp,
		Commands: []*cli.Command{
			chatCommand,
			sendCommand,
			historyCommand,
			healthCommand,
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
