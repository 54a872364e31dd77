package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/Sternrassler/gridsync/internal/config"
	"github.com/Sternrassler/gridsync/pkg/reconcile"
	"github.com/spf13/cobra"
)

type configFunc func() *config.Config

func newReconcileCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Apply the changes that make the current map match the goal map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.reconciler.Reconcile(cmd.Context())
			printSummary(cmd.OutOrStdout(), "reconcile", summary)
			return err
		},
	}
}

func newClearCmd(cfg configFunc) *cobra.Command {
	var yes bool

	c := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entity on the current map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("clear deletes every entity; pass --yes to confirm")
			}

			a, err := newApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.reconciler.Clear(cmd.Context())
			printSummary(cmd.OutOrStdout(), "clear", summary)
			return err
		},
	}
	c.Flags().BoolVar(&yes, "yes", false, "confirm deletion of all entities")
	return c
}

func newPlanCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the changes reconcile would make without applying them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.close()

			deletes, creates, err := a.reconciler.PlanOnly(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d deletes, %d creates\n", len(deletes), len(creates))
			for _, op := range deletes {
				fmt.Fprintln(out, op)
			}
			for _, op := range creates {
				fmt.Fprintln(out, op)
			}
			return nil
		},
	}
}

func newShowCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the goal map and the current map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.close()

			goal, err := a.client.FetchGoal(cmd.Context())
			if err != nil {
				return err
			}
			current, err := a.client.FetchCurrent(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "goal (%dx%d, %d entities):\n%s\n", goal.Rows(), goal.Cols(), goal.Count(), goal)
			fmt.Fprintf(out, "current (%dx%d, %d entities):\n%s", current.Rows(), current.Cols(), current.Count(), current)
			return nil
		},
	}
}

func printSummary(w io.Writer, action string, s reconcile.Summary) {
	fmt.Fprintf(w, "%s: %d passes, %d deleted, %d created, %d failed, %d remaining\n",
		action, s.Passes, s.Deleted, s.Created, s.Failed, s.Remaining)
}
