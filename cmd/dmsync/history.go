package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print the most recent messages of a conversation",
	ArgsUsage: "PEER",
	Flags: []cli.Flag{
		plainFlag,
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of messages to print",
			Value: 20,
		},
	},
	Before: requiresKey,
	Action: cmdHistory,
}

func cmdHistory(ctx *cli.Context) error {
	a := getApp(ctx)
	conv, err := a.conversation(ctx)
	if err != nil {
		return err
	}

	msgs, err := a.client.FetchRecentHistory(ctx.Context, conv.peer, ctx.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to fetch history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Println("no messages yet")
		return nil
	}
	for _, m := range msgs {
		conv.print(m)
	}
	return nil
}

var healthCommand = &cli.Command{
	Name:   "health",
	Usage:  "Check mailbox server health",
	Action: cmdHealth,
}

func cmdHealth(ctx *cli.Context) error {
	resp, err := getApp(ctx).client.Health(ctx.Context)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	status := color.New(color.FgHiGreen).Sprint(resp.Status)
	if resp.Status != "healthy" {
		status = color.New(color.FgRed).Sprint(resp.Status)
	}
	fmt.Printf("%s (version %s)\n", status, resp.Version)

	data, _ := json.MarshalIndent(resp.Checks, "", "  ")
	fmt.Println(string(data))
	return nil
}
