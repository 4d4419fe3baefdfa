package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGroupCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage closed groups",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <name> <member>...",
			Short: "Create a closed group and distribute its key pair",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := flags.openClient()
				if err != nil {
					return err
				}
				defer client.Kill()
				pk, err := client.Sender().CreateGroup(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pk)
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <group> <member>...",
			Short: "Add members to a closed group",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := flags.openClient()
				if err != nil {
					return err
				}
				defer client.Kill()
				return client.Sender().AddMembers(cmd.Context(), args[0], args[1:])
			},
		},
		&cobra.Command{
			Use:   "remove <group> <member>...",
			Short: "Remove members and rotate the group key pair",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := flags.openClient()
				if err != nil {
					return err
				}
				defer client.Kill()
				return client.Sender().RemoveMembers(cmd.Context(), args[0], args[1:])
			},
		},
		&cobra.Command{
			Use:   "rename <group> <name>",
			Short: "Change the group name",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := flags.openClient()
				if err != nil {
					return err
				}
				defer client.Kill()
				return client.Sender().SetName(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "leave <group>",
			Short: "Leave a closed group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := flags.openClient()
				if err != nil {
					return err
				}
				defer client.Kill()
				return client.Sender().Leave(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Send the account's groups and profile to its other devices",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := flags.openClient()
				if err != nil {
					return err
				}
				defer client.Kill()
				return client.SyncConfiguration(cmd.Context())
			},
		},
	)
	return cmd
}
