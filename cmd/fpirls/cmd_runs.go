package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/n0madic/go-fpirls/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or the grid points of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.dbPath == "" {
				return errors.New("runs needs --db")
			}
			s, err := store.Open(c.dbPath)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 1 {
				return printPoints(cmd.OutOrStdout(), s, args[0])
			}
			return printRuns(cmd.OutOrStdout(), s, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list, 0 for all")
	return cmd
}

func printRuns(w io.Writer, s *store.Store, limit int) error {
	runs, err := s.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("run", "created", "model", "n", "grid", "best λS", "best λT", "GCV", "J")
	for _, r := range runs {
		t.Row(
			r.RunID,
			time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339),
			r.Model,
			strconv.Itoa(r.NumObs),
			strconv.Itoa(r.GridSize),
			formatFloat(r.BestLambdaS),
			formatFloat(r.BestLambdaT),
			formatGCV(r.BestGCV),
			formatFloat(r.BestJ),
		)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func printPoints(w io.Writer, s *store.Store, runID string) error {
	run, err := s.Get(runID)
	if err != nil {
		return err
	}
	points, err := s.Points(runID)
	if err != nil {
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("s", "t", "λS", "λT", "iter", "converged", "J", "GCV", "DOF")
	for _, p := range points {
		t.Row(
			strconv.Itoa(p.S),
			strconv.Itoa(p.T),
			formatFloat(p.LambdaS),
			formatFloat(p.LambdaT),
			strconv.Itoa(p.Iterations),
			strconv.FormatBool(p.Converged),
			formatFloat(p.J),
			formatGCV(p.GCV),
			formatFloat(p.DOF),
		)
	}
	_, err = fmt.Fprintf(w, "%s (%s)\n%s\n", run.RunID, run.Model, t.Render())
	return err
}
