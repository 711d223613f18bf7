package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/dmsync/internal/engine"
	"github.com/eldtechnologies/dmsync/internal/models"
)

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Open a live conversation and send each line typed on stdin",
	ArgsUsage: "PEER",
	Flags:     []cli.Flag{plainFlag},
	Before:    requiresKey,
	Action:    cmdChat,
}

func cmdChat(ctx *cli.Context) error {
	a := getApp(ctx)
	conv, err := a.conversation(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, closeEngine, err := a.openEngine(runCtx)
	if err != nil {
		return err
	}
	defer closeEngine()

	updates, unsubscribe := eng.Subscribe(64)
	defer unsubscribe()

	if err := eng.Activate(runCtx, conv.peer); err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	defer eng.Deactivate(conv.peer)

	// Updates and the snapshot overlap while the conversation seeds.
	printed := make(map[string]bool)
	show := func(msgs []models.Message) {
		for _, m := range msgs {
			if printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			conv.print(m)
		}
	}

	history, err := eng.Messages(runCtx, conv.peer)
	if err != nil {
		return fmt.Errorf("failed to read conversation: %w", err)
	}
	show(history)
	fmt.Fprintf(os.Stderr, "chatting with %s as %s, Ctrl-C to leave\n", peerColor.Sprint(conv.peer), selfColor.Sprint(a.address))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case u := <-updates:
			if u.Resync {
				// Some updates were dropped; the log has everything they carried.
				msgs, err := eng.Messages(runCtx, conv.peer)
				if err != nil {
					a.logger.Warn().Err(err).Msg("failed to re-read conversation")
				}
				show(msgs)
			}
			if u.ConversationID == conv.peer {
				show(u.Added)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := submit(runCtx, eng, conv, line); err != nil {
				reprintDraft(err, line)
			}
		}
	}
}

// submit seals and sends one line. The stored message comes back through
// the engine's updates.
func submit(ctx context.Context, eng *engine.Engine, conv *conversation, text string) (*models.Message, error) {
	payload, err := conv.encode(text)
	if err != nil {
		return nil, err
	}
	return eng.Submit(ctx, models.Draft{To: conv.peer, Payload: payload})
}
