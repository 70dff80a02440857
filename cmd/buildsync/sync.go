package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/buildsync/pkg/reconcile"
	"github.com/ethpandaops/buildsync/pkg/task"
)

var runOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Schedule reconciliation of a build or step",
}

var syncBuildCmd = &cobra.Command{
	Use:   "build <build-id>",
	Short: "Schedule a build reconciliation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueSync(cmd.Context(), reconcile.TaskSyncBuild, "build_id", args[0])
	},
}

var syncStepCmd = &cobra.Command{
	Use:   "step <step-id>",
	Short: "Schedule a step reconciliation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueSync(cmd.Context(), reconcile.TaskSyncJobStep, "step_id", args[0])
	},
}

func init() {
	syncCmd.PersistentFlags().BoolVar(&runOnce, "run-once", false,
		"run every due task once after scheduling instead of leaving it to serve")
	syncCmd.AddCommand(syncBuildCmd, syncStepCmd)
	rootCmd.AddCommand(syncCmd)
}

func enqueueSync(ctx context.Context, name, argName, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", argName, rawID, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.driver.Enqueue(ctx, name, task.Args{argName: id.String()}, 0); err != nil {
		return fmt.Errorf("enqueueing %s: %w", name, err)
	}

	log.WithField("task", name).
		WithField(argName, id).
		Info("Task scheduled")

	if !runOnce {
		return nil
	}

	ran, err := a.driver.RunPending(ctx)
	if err != nil {
		return fmt.Errorf("running pending tasks: %w", err)
	}

	log.WithField("tasks", ran).Info("Ran pending tasks")

	return nil
}
