package main

import (
	"errors"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/dmsync/internal/engine"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a single message",
	ArgsUsage: "PEER TEXT...",
	Flags:     []cli.Flag{plainFlag},
	Before:    requiresKey,
	Action:    cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return errors.New("usage: dmsync send PEER TEXT")
	}
	a := getApp(ctx)
	conv, err := a.conversation(ctx)
	if err != nil {
		return err
	}
	text := strings.Join(ctx.Args().Tail(), " ")

	eng, closeEngine, err := a.openEngine(ctx.Context)
	if err != nil {
		return err
	}
	defer closeEngine()

	msg, err := submit(ctx.Context, eng, conv, text)
	if err != nil {
		reprintDraft(err, text)
		if engine.IsValidation(err) {
			return errors.New("message rejected")
		}
		return errors.New("message not delivered")
	}

	conv.print(*msg)
	return nil
}
