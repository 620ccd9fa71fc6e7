package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/repository"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/spf13/cobra"
)

func sagaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect credit sagas",
	}
	cmd.AddCommand(sagaShowCmd())
	cmd.AddCommand(sagaListCmd())
	return cmd
}

func sagaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [numeroCredito]",
		Short: "Print the saga of one credit as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			store := repository.NewSagaStore(e.db, e.dialect)
			state, err := store.Load(ctx, saga.CorrelationID(args[0]))
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("no saga for credit %s", args[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}

func sagaListCmd() *cobra.Command {
	var (
		phases    []string
		staleOnly time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas, oldest update first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := saga.Filter{Limit: limit}
			for _, p := range phases {
				phase, err := saga.ParsePhase(p)
				if err != nil {
					return err
				}
				filter.Phases = append(filter.Phases, phase)
			}
			if staleOnly > 0 {
				filter.UpdatedBefore = time.Now().Add(-staleOnly)
				if len(filter.Phases) == 0 {
					filter.Phases = saga.Active()
				}
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			states, err := repository.NewSagaStore(e.db, e.dialect).List(ctx, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREDIT\tPHASE\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					s.Credit.CreditNumber, s.Phase, s.Attempts, s.UpdatedAt.Format(time.RFC3339), s.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVarP(&phases, "phase", "p", nil, "Filter by phase (Processing, Auditing, Completed, Failed)")
	cmd.Flags().DurationVar(&staleOnly, "stale", 0, "Only active sagas not updated for this long")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")

	return cmd
}
