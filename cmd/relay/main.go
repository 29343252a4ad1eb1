package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/omochice/matcha-sync/internal/relay"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "relay",
		Usage: "Run a local stand-in for the dating service API and push channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Address to listen on",
				Value: ":5001",
			},
			&cli.StringSliceFlag{
				Name:  "user",
				Usage: "Account as id:token[:firstname], repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "conversation",
				Usage: "Conversation as id:user,user, repeatable",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	level := zerolog.InfoLevel
	if ctx.Bool("debug") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	srv := relay.New(ctx.String("addr"), log)
	for _, arg := range ctx.StringSlice("user") {
		u, err := parseUser(arg)
		if err != nil {
			return err
		}
		srv.AddUser(u)
	}
	for _, arg := range ctx.StringSlice("conversation") {
		id, members, err := parseConversation(arg)
		if err != nil {
			return err
		}
		srv.AddConversation(id, members...)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		srv.Stop()
	}
	log.Info().Msg("Relay stopped")
	return nil
}

func parseUser(arg string) (relay.User, error) {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) < 2 {
		return relay.User{}, errors.Errorf("invalid user %q, want id:token[:firstname]", arg)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return relay.User{}, errors.Errorf("invalid user id in %q", arg)
	}
	u := relay.User{ID: protocol.UserID(id), Token: parts[1], Verified: true}
	if len(parts) == 3 {
		u.Firstname = parts[2]
	}
	return u, nil
}

func parseConversation(arg string) (protocol.ConversationID, []protocol.UserID, error) {
	idPart, rest, ok := strings.Cut(arg, ":")
	if !ok {
		return 0, nil, errors.Errorf("invalid conversation %q, want id:user,user", arg)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, nil, errors.Errorf("invalid conversation id in %q", arg)
	}
	var members []protocol.UserID
	for _, m := range strings.Split(rest, ",") {
		uid, err := strconv.ParseInt(strings.TrimSpace(m), 10, 64)
		if err != nil {
			return 0, nil, errors.Errorf("invalid participant %q in %q", m, arg)
		}
		members = append(members, protocol.UserID(uid))
	}
	return protocol.ConversationID(id), members, nil
}
