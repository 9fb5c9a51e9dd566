package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLockCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage agent leases on a canvas",
	}

	acquire := &cobra.Command{
		Use:   "acquire <canvas-id>",
		Short: "Take the canvas lease; prints the token to pass as --lock-token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if holder == "" {
				holder = g.user
			}
			if holder == "" {
				return fmt.Errorf("--holder or --user is required")
			}

			client, ctx := g.client(cmd)
			lease, err := client.AcquireLock(ctx, args[0], holder, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, lease)
		},
	}
	acquire.Flags().String("holder", "", "Lease holder name; defaults to --user")
	acquire.Flags().Duration("ttl", 0, "Lease duration; 0 uses the server default")

	renew := &cobra.Command{
		Use:   "renew <canvas-id>",
		Short: "Extend the lease named by --lock-token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.lockToken == "" {
				return fmt.Errorf("--lock-token is required")
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")

			client, ctx := g.client(cmd)
			lease, err := client.RenewLock(ctx, args[0], ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, lease)
		},
	}
	renew.Flags().Duration("ttl", 0, "New lease duration; 0 uses the server default")

	release := &cobra.Command{
		Use:   "release <canvas-id>",
		Short: "Release the lease named by --lock-token, or any lease with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if !force && g.lockToken == "" {
				return fmt.Errorf("--lock-token or --force is required")
			}

			client, ctx := g.client(cmd)
			if err := client.ReleaseLock(ctx, args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
	release.Flags().Bool("force", false, "Release whatever lease is held")

	status := &cobra.Command{
		Use:   "status <canvas-id>",
		Short: "Show who holds the canvas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx := g.client(cmd)
			st, err := client.LockStatus(ctx, args[0])
			if err != nil {
				return err
			}
			if !st.Locked {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is unlocked\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is held by %s until %s\n",
				args[0], st.Lease.Holder, st.Lease.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.AddCommand(acquire, renew, release, status)
	return cmd
}
