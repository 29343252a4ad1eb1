package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/matcha-sync/internal/client"
	"github.com/omochice/matcha-sync/internal/config"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

type contextKey int

const contextKeyClient contextKey = iota

func getClient(ctx *cli.Context) *client.Client {
	return ctx.Context.Value(contextKeyClient).(*client.Client)
}

// login loads the config, starts a client and authenticates it.
func login(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	log := cfg.Log.NewLogger(os.Stderr)

	c := client.New(cfg, log)
	c.Start(ctx.Context)

	loginCtx, cancel := context.WithTimeout(ctx.Context, cfg.Connection.DialTimeout)
	defer cancel()
	s, err := c.Login(loginCtx, ctx.String("token"))
	if err != nil {
		c.Close()
		return errors.Wrap(err, "login failed")
	}
	log.Info().Int64("user_id", int64(s.UserID)).Str("name", s.Name).Msg("Logged in")
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, c)
	return nil
}

func logout(ctx *cli.Context) error {
	if c, ok := ctx.Context.Value(contextKeyClient).(*client.Client); ok {
		c.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "matchsync",
		Usage: "Follow conversations and notifications of a dating account in real time",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to YAML config file",
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "Session token",
				EnvVars:  []string{"MATCHSYNC_TOKEN"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			watchCommand,
			chatCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
