package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/spf13/cobra"
)

func newCanvasCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvas",
		Short: "Read or replace a canvas",
	}

	get := &cobra.Command{
		Use:   "get <canvas-id>",
		Short: "Print a canvas with its nodes, handles and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx := g.client(cmd)
			entities, err := client.GetCanvas(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, entities)
		},
	}

	put := &cobra.Command{
		Use:   "put <canvas-id> -f <file>",
		Short: "Create or replace a canvas from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			raw, err := toJSON(data, file)
			if err != nil {
				return err
			}
			var entities models.CanvasEntities
			if err := json.Unmarshal(raw, &entities); err != nil {
				return fmt.Errorf("parsing canvas: %w", err)
			}

			client, ctx := g.client(cmd)
			saved, err := client.PutCanvas(ctx, args[0], &entities)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}
	put.Flags().StringP("file", "f", "", "Canvas document (.json, .yaml, .yml)")
	_ = put.MarkFlagRequired("file")

	cmd.AddCommand(get, put)
	return cmd
}
