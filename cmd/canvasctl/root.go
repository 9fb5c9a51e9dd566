package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/canvasgraph/common/clients"
	"github.com/lyzr/canvasgraph/common/logger"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	server      string
	user        string
	lockToken   string
	providerKey string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	cfg := clients.LoadClientConfig()
	g := &globalFlags{}

	root := &cobra.Command{
		Use:          "canvasctl",
		Short:        "Command line client for the canvas server",
		Version:      version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", cfg.CanvasServerURL, "Canvas server base URL (env CANVAS_SERVER_URL)")
	pf.StringVar(&g.user, "user", cfg.UserID, "User id sent as X-User-ID (env CANVAS_USER_ID)")
	pf.StringVar(&g.lockToken, "lock-token", "", "Lease token sent as X-Lock-Token")
	pf.StringVar(&g.providerKey, "provider-key", "", "Provider credential sent as X-Provider-Key")
	pf.BoolVar(&g.verbose, "verbose", false, "Log HTTP requests")

	root.AddCommand(
		newCanvasCmd(g),
		newRunCmd(g),
		newSelectCmd(g),
		newTaskCmd(g),
		newPatchCmd(g),
		newLockCmd(g),
	)
	return root
}

// client builds an API client and a context carrying the caller identity
func (g *globalFlags) client(cmd *cobra.Command) (*clients.CanvasClient, context.Context) {
	level := "warn"
	if g.verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), level, "text")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if g.user != "" {
		ctx = clients.WithUserID(ctx, g.user)
	}
	if g.lockToken != "" {
		ctx = clients.WithLockToken(ctx, g.lockToken)
	}
	if g.providerKey != "" {
		ctx = clients.WithProviderKey(ctx, g.providerKey)
	}
	return clients.NewCanvasClient(g.server, clients.LoadClientConfig().Timeout, log), ctx
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
