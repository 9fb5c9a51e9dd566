package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lyzr/canvasgraph/common/clients"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/spf13/cobra"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <canvas-id> <node-id>",
		Short: "Run one node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			pairs, _ := cmd.Flags().GetStringSlice("context")

			taskContext, err := parseContext(pairs)
			if err != nil {
				return err
			}

			client, ctx := g.client(cmd)
			task, err := client.RunNode(ctx, args[0], args[1], clients.RunRequest{Context: taskContext})
			if err != nil {
				return err
			}
			if wait {
				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if task, err = waitForTask(waitCtx, client, task.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().Bool("wait", false, "Poll until the task finishes")
	cmd.Flags().Duration("timeout", 5*time.Minute, "How long --wait polls")
	cmd.Flags().StringSlice("context", nil, "Task context as key=value, repeatable")
	return cmd
}

func parseContext(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid context %q, expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// waitForTask polls with exponential backoff until the task is terminal
func waitForTask(ctx context.Context, client *clients.CanvasClient, taskID string) (*models.Task, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	var task *models.Task
	err := backoff.Retry(func() error {
		t, err := client.GetTask(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !t.Status.Terminal() {
			return fmt.Errorf("task %s is %s", taskID, t.Status)
		}
		task = t
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("waiting for task %s: %w", taskID, err)
	}
	return task, nil
}

func newSelectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "select <canvas-id> <node-id> <index>",
		Short: "Make one generation the visible output of a node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var index int
			if _, err := fmt.Sscanf(args[2], "%d", &index); err != nil {
				return fmt.Errorf("index must be an integer: %w", err)
			}
			client, ctx := g.client(cmd)
			result, err := client.SelectOutput(ctx, args[0], args[1], index)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func newTaskCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect or cancel tasks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <task-id>",
			Short: "Print a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, ctx := g.client(cmd)
				task, err := client.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, task)
			},
		},
		&cobra.Command{
			Use:   "cancel <task-id>",
			Short: "Cancel a queued or running task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, ctx := g.client(cmd)
				task, err := client.CancelTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, task)
			},
		},
	)
	return cmd
}
