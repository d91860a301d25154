package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teenhut/hutchat/internal/client"
	"github.com/teenhut/hutchat/internal/protocol"
)

func newJoinCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room, print its messages and send lines read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runJoin(ctx, resolveOptions(v), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runJoin(ctx context.Context, opts options, room string, in io.Reader, out io.Writer) error {
	codec, err := codecFor(opts, room)
	if err != nil {
		return err
	}
	conn, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Join(ctx, room, opts.UserID); err != nil {
		return err
	}
	tl := client.NewTimeline(opts.UserID, codec)

	lines := readLines(ctx, in)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			// Without a user id the server echo cannot be told apart from
			// others' messages, so it is what gets printed.
			if opts.UserID != "" {
				render(out, tl.AppendLocal(text, opts.Username, nil))
			}
			if err := conn.Send(ctx, protocol.SendMessage{
				Room:     room,
				Text:     codec.Encrypt(text),
				UserID:   opts.UserID,
				Username: opts.Username,
			}); err != nil {
				return err
			}
		case env, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			changed, err := tl.Apply(env)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			if changed {
				printEvent(out, env.Event, tl.Entries())
			}
		}
	}
}

// readLines streams lines from in until it is exhausted or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func printEvent(out io.Writer, event string, entries []client.Entry) {
	switch event {
	case protocol.EventHistory:
		for _, e := range entries {
			render(out, e)
		}
	case protocol.EventMessage:
		if len(entries) > 0 {
			render(out, entries[len(entries)-1])
		}
	default:
		fmt.Fprintf(out, "* %s\n", event)
	}
}

func render(out io.Writer, e client.Entry) {
	name := e.SenderName
	if e.Mine {
		name = "me"
	}
	edited := ""
	if e.IsEdited {
		edited = " (edited)"
	}
	fmt.Fprintf(out, "[%s] %s: %s%s\n", e.Timestamp.Format("15:04"), name, e.Text, edited)
}
