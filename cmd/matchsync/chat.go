package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/omochice/matcha-sync/internal/client"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/urfave/cli/v2"
)

var chatCommand = &cli.Command{
	Name:  "chat",
	Usage: "Open a conversation, print it live and send lines from stdin",
	Flags: []cli.Flag{
		&cli.Int64Flag{
			Name:     "conversation",
			Aliases:  []string{"c"},
			Usage:    "Conversation id",
			Required: true,
		},
	},
	Before: login,
	After:  logout,
	Action: chat,
}

func chat(ctx *cli.Context) error {
	c := getClient(ctx)
	conv := protocol.ConversationID(ctx.Int64("conversation"))

	history, err := c.OpenConversation(ctx.Context, conv)
	if err != nil {
		return err
	}
	defer c.CloseConversation()

	printed := make(map[string]bool)
	for _, m := range history {
		printMessage(m, printed)
	}

	changed := make(chan struct{}, 1)
	transcript := c.OnTranscriptChange(func(id protocol.ConversationID) {
		if id != conv {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer transcript.Release()
	typing := c.OnTyping(func(ts protocol.TypingStatus) {
		if ts.ConversationID == conv && ts.Typing {
			fmt.Printf("*** %d is typing ***\n", ts.UserID)
		}
	})
	defer typing.Release()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("Type your messages (or 'quit' to exit):")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			for _, m := range c.Messages(conv) {
				printMessage(m, printed)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				return nil
			}
			c.NotifyTyping(conv)
			send(ctx, c, conv, text)
		}
	}
}

func send(ctx *cli.Context, c *client.Client, conv protocol.ConversationID, text string) {
	m, err := c.SendMessage(ctx.Context, conv, text)
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
	if m.LocalID != "" {
		if _, err := c.RetryMessage(ctx.Context, conv, m.LocalID); err != nil {
			fmt.Fprintf(os.Stderr, "Retry failed, discarding: %v\n", err)
			c.DiscardMessage(conv, m.LocalID)
		}
	}
}

func printMessage(m protocol.Message, printed map[string]bool) {
	key := fmt.Sprintf("id:%d", m.ID)
	if m.ID == 0 {
		key = "local:" + m.LocalID
	}
	if printed[key] || m.Status != protocol.StatusConfirmed {
		return
	}
	printed[key] = true
	fmt.Printf("[%s] %d: %s\n", m.SentAt.Format("15:04"), m.SenderID, m.Body)
}
