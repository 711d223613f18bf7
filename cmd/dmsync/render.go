package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/dmsync/internal/crypto"
	"github.com/eldtechnologies/dmsync/internal/models"
)

// maxDraftChars caps a typed message before sealing.
const maxDraftChars = 1000

var plainFlag = &cli.BoolFlag{
	Name:  "plain",
	Usage: "Send and show payloads as typed instead of sealing them to the peer's key",
}

var (
	selfColor  = color.New(color.FgHiGreen)
	peerColor  = color.New(color.FgHiCyan)
	timeColor  = color.New(color.FgHiBlack)
	errorColor = color.New(color.FgRed)
	draftColor = color.New(color.FgYellow)
)

// conversation is a peer plus the key its payloads are sealed to. peerKey
// is nil for plain conversations.
type conversation struct {
	a       *app
	peer    string
	peerKey ed25519.PublicKey
}

func (a *app) conversation(ctx *cli.Context) (*conversation, error) {
	if ctx.NArg() == 0 {
		return nil, errors.New("you must specify a peer address")
	}
	c := &conversation{a: a, peer: strings.ToLower(ctx.Args().First())}

	key, err := crypto.PublicKeyFromAddress(c.peer)
	if err != nil {
		return nil, fmt.Errorf("peer %q: %w", c.peer, err)
	}
	if !ctx.Bool(plainFlag.Name) {
		c.peerKey = key
	}
	return c, nil
}

// encode turns typed text into a payload.
func (c *conversation) encode(text string) (string, error) {
	if n := utf8.RuneCountInString(text); n > maxDraftChars {
		return "", fmt.Errorf("message too long (%d characters, max %d)", n, maxDraftChars)
	}
	if c.peerKey == nil {
		return text, nil
	}
	return c.a.sealer.Seal(text, c.peerKey)
}

// decode turns a payload back into displayable text.
func (c *conversation) decode(payload string) string {
	if c.peerKey == nil {
		return payload
	}
	text, err := c.a.sealer.Open(payload)
	if err != nil {
		return errorColor.Sprint("[unreadable sealed message]")
	}
	return text
}

func (c *conversation) print(msg models.Message) {
	ts := timeColor.Sprint(time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05"))
	from := peerColor.Sprint(short(msg.From))
	if msg.From == c.a.address {
		from = selfColor.Sprint("you")
	}
	fmt.Printf("[%s] %s: %s\n", ts, from, c.decode(msg.Payload))
}

// short abbreviates a key address for display.
func short(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:12]
}

// reprintDraft hands a failed draft back so it can be retyped.
func reprintDraft(err error, text string) {
	errorColor.Printf("not sent: %v\n", err)
	draftColor.Printf("draft: %s\n", text)
}
