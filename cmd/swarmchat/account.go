package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/swarmchat/messaging"
)

func newInitCommand(flags *globalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the account in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.openClient()
			if err != nil {
				return err
			}
			defer client.Kill()
			if name != "" {
				if err := client.SetDisplayName(name); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.SessionID())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name attached to outgoing messages")
	return cmd
}

func newIDCommand(flags *globalFlags) *cobra.Command {
	var serverKey string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the session id, or the blinded id on a community server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.openClient()
			if err != nil {
				return err
			}
			defer client.Kill()
			if serverKey == "" {
				fmt.Fprintln(cmd.OutOrStdout(), client.SessionID())
				return nil
			}
			key, err := parseKey(serverKey)
			if err != nil {
				return err
			}
			id, err := client.BlindedID(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverKey, "server-key", "", "hex public key of a community server")
	return cmd
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	var toGroup bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <recipient> <text>",
		Short: "Send a text message to a contact or closed group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.openClient()
			if err != nil {
				return err
			}
			defer client.Kill()

			var dest messaging.Destination = messaging.Contact{PublicKey: args[0]}
			if toGroup {
				dest = messaging.ClosedGroup{GroupPublicKey: args[0]}
			}
			msg, done, err := client.SendText(dest, args[1])
			if err != nil {
				return err
			}
			select {
			case err := <-done:
				if err != nil {
					return err
				}
			case <-time.After(timeout):
				return fmt.Errorf("message %d not delivered within %s", msg.SentTimestamp, timeout)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d\n", msg.SentTimestamp)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&toGroup, "group", "g", false, "recipient is a closed group public key")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for delivery")
	return cmd
}

func newPollCommand(flags *globalFlags) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch and handle new messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.openClient()
			if err != nil {
				return err
			}
			defer client.Kill()

			if !follow {
				n, err := client.Poll(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "handled %d\n", n)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				client.Kill()
			}()
			for client.IsRunning() {
				client.Iterate()
				select {
				case <-ctx.Done():
				case <-time.After(client.IterationInterval()):
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling until interrupted")
	return cmd
}

func parseKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid key: %v", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("invalid key: %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
