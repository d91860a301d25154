package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teenhut/hutchat/internal/protocol"
)

func newSendCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "send <room> <text>...",
		Short: "Send one message and wait until the room echoes it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), resolveOptions(v), args[0], strings.Join(args[1:], " "), cmd.OutOrStdout())
		},
	}
}

func runSend(ctx context.Context, opts options, room, text string, out io.Writer) error {
	codec, err := codecFor(opts, room)
	if err != nil {
		return err
	}
	conn, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// Join first so the broadcast comes back to this connection.
	if err := conn.Join(ctx, room, opts.UserID); err != nil {
		return err
	}
	if err := waitFor(ctx, conn.Events(), func(env protocol.Envelope) bool { return env.Event == protocol.EventHistory }); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}

	body := codec.Encrypt(text)
	if err := conn.Send(ctx, protocol.SendMessage{Room: room, Text: body, UserID: opts.UserID, Username: opts.Username}); err != nil {
		return err
	}

	var sent protocol.MessageEvent
	err = waitFor(ctx, conn.Events(), func(env protocol.Envelope) bool {
		if env.Event != protocol.EventMessage {
			return false
		}
		var ev protocol.MessageEvent
		if json.Unmarshal(env.Data, &ev) != nil || ev.Text != body {
			return false
		}
		sent = ev
		return true
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", room, err)
	}
	fmt.Fprintf(out, "sent %s\n", sent.ID)
	return nil
}

var errClosed = errors.New("connection closed")

func waitFor(ctx context.Context, events <-chan protocol.Envelope, match func(protocol.Envelope) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return errClosed
			}
			if match(env) {
				return nil
			}
		}
	}
}
