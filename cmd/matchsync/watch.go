package main

import (
	"fmt"

	"github.com/omochice/matcha-sync/internal/connection"
	"github.com/urfave/cli/v2"
)

var watchCommand = &cli.Command{
	Name:   "watch",
	Usage:  "Print connection changes and notifications until interrupted",
	Before: login,
	After:  logout,
	Action: watch,
}

func watch(ctx *cli.Context) error {
	c := getClient(ctx)

	states := c.OnStateChange(func(s connection.State) {
		fmt.Printf("*** connection %s ***\n", s)
	})
	defer states.Release()

	changed := make(chan struct{}, 1)
	notes := c.OnNotificationsChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer notes.Release()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			for _, n := range c.Notifications() {
				if seen[n.ID] || n.Read {
					continue
				}
				seen[n.ID] = true
				fmt.Printf("[%s] %s (unread: %d)\n", n.Category, n.Summary(), c.TotalUnread())
			}
		}
	}
}
