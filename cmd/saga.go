package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/delivery-saga/internal/app"
)

var sagaCmd = &cobra.Command{
	Use:   "saga",
	Short: "Inspect and operate saga instances",
}

var sagaShowCmd = &cobra.Command{
	Use:   "show <saga-id>",
	Short: "Print a saga and its transition log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		orch := a.Orchestrator()
		s, ts, err := orch.Get(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "saga %s order=%d state=%s\n", s.ID, s.OrderID, s.State)
		if s.LastCommandEventID != nil {
			st, err := orch.CommandStatus(ctx, s)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "awaiting %s (%s)\n", *s.LastCommandEventID, st)
		}
		if s.FailureReason != nil {
			fmt.Fprintf(out, "failure: %s\n", *s.FailureReason)
		}
		for _, t := range ts {
			fmt.Fprintf(out, "  %s  %s -> %s  (%s)\n", t.CreatedAt.Format(time.RFC3339), t.FromState, t.ToState, t.Cause)
		}
		return nil
	},
}

var sagaRedriveCmd = &cobra.Command{
	Use:   "redrive <saga-id>",
	Short: "Record the awaited command of a stuck saga again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		eventID, err := a.Orchestrator().Redrive(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "re-recorded command %s\n", eventID)
		return nil
	},
}

func init() {
	sagaCmd.AddCommand(sagaShowCmd, sagaRedriveCmd)
}
