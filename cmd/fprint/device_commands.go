package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fprintd/internal/ipc"
)

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List fingerprint readers known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.GetDevices()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Devices) == 0 {
					fmt.Fprintln(out, "No fingerprint readers available")
					return nil
				}
				fmt.Fprint(out, renderDeviceTable(resp.Devices))
				fmt.Fprintln(out)
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list [user]",
		Short: "List enrolled fingers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := ""
			if len(args) == 1 {
				username = strings.TrimSpace(args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListEnrolledFingers(username)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Fingers) == 0 {
					fmt.Fprintf(out, "User %s has no fingers enrolled\n", resp.Username)
					return nil
				}
				fmt.Fprintf(out, "Fingers enrolled for %s:\n", resp.Username)
				for i, name := range fingerDisplayNames(resp.Fingers) {
					fmt.Fprintf(out, " - #%d: %s\n", i, name)
				}
				return nil
			})
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var fingerName string
	var device string
	cmd := &cobra.Command{
		Use:   "delete <user>",
		Short: "Delete enrolled fingers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				claim, err := client.Claim(device, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				defer client.Release(claim.Session) //nolint:errcheck

				resp, err := client.DeleteEnrolledFingers(claim.Session, fingerName)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Deleted) == 0 {
					fmt.Fprintf(out, "No fingers deleted for %s\n", claim.Owner)
					return nil
				}
				for _, name := range fingerDisplayNames(resp.Deleted) {
					fmt.Fprintf(out, "Deleted %s for %s\n", name, claim.Owner)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&fingerName, "finger", "f", "", "Finger to delete (default: all)")
	cmd.Flags().StringVarP(&device, "device", "d", "", "Reader to claim (default: first available)")
	return cmd
}
