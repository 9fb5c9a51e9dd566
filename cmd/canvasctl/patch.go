package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyzr/canvasgraph/common/clients"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPatchCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply and inspect structural patches",
	}

	apply := &cobra.Command{
		Use:   "apply <canvas-id> -f <file>",
		Short: "Apply a patch from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			id, _ := cmd.Flags().GetString("id")

			req, err := loadPatch(file)
			if err != nil {
				return err
			}
			if id != "" {
				req.ID = id
			}

			client, ctx := g.client(cmd)
			res, err := client.ApplyPatch(ctx, args[0], *req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	apply.Flags().StringP("file", "f", "", "Patch document (.json, .yaml, .yml)")
	apply.Flags().String("id", "", "Client patch id; resubmitting it is a no-op")
	_ = apply.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list <canvas-id>",
		Short: "List committed patches, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")

			client, ctx := g.client(cmd)
			patches, err := client.ListPatches(ctx, args[0], after, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, patches)
		},
	}
	list.Flags().Int64("after", 0, "Only patches with a greater sequence number")
	list.Flags().Int("limit", 0, "Maximum number of patches; 0 for all")

	get := &cobra.Command{
		Use:   "get <canvas-id> <patch-id>",
		Short: "Print one committed patch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx := g.client(cmd)
			p, err := client.GetPatch(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}

	cmd.AddCommand(apply, list, get)
	return cmd
}

// loadPatch reads a patch document. Operation values are arbitrary JSON,
// so YAML is normalized to JSON before decoding.
func loadPatch(path string) (*clients.PatchRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	raw, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var req clients.PatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parsing patch: %w", err)
	}
	if len(req.Operations) == 0 {
		return nil, fmt.Errorf("patch %s has no operations", path)
	}
	return &req, nil
}

// toJSON converts a YAML document to JSON; JSON passes through
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting YAML to JSON: %w", err)
		}
		return raw, nil
	default:
		return data, nil
	}
}
