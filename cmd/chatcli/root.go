package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teenhut/hutchat/internal/cipher"
	"github.com/teenhut/hutchat/internal/client"
)

// options are resolved from flags, HUTCHAT_* environment variables and an
// optional config file, in that order.
type options struct {
	URL      string
	Token    string
	UserID   string
	Username string
	Secret   string
	Timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "chatcli",
		Short: "Terminal client for hutchat rooms",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path (default is $HOME/.hutchat.yaml)")
	flags.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	flags.String("token", "", "bearer token")
	flags.String("user-id", "", "user id sent with events")
	flags.String("username", "", "display name sent with messages")
	flags.String("secret", "", "shared secret for message encryption (empty sends plaintext)")
	flags.Duration("timeout", 10*time.Second, "connect and confirmation timeout")
	for _, name := range []string{"url", "token", "user-id", "username", "secret", "timeout"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newJoinCmd(v), newSendCmd(v))
	return root
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("hutchat")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".hutchat")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func resolveOptions(v *viper.Viper) options {
	return options{
		URL:      v.GetString("url"),
		Token:    v.GetString("token"),
		UserID:   v.GetString("user-id"),
		Username: v.GetString("username"),
		Secret:   v.GetString("secret"),
		Timeout:  v.GetDuration("timeout"),
	}
}

// codecFor returns the body codec for room.
func codecFor(opts options, room string) (cipher.Codec, error) {
	if opts.Secret == "" {
		return cipher.Plain{}, nil
	}
	return cipher.NewSecretBox(opts.Secret, room)
}

func dial(ctx context.Context, opts options) (*client.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	return client.Dial(ctx, opts.URL, &client.DialOptions{Token: opts.Token})
}
