package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/n0madic/go-fpirls/fpirls"
	"github.com/n0madic/go-fpirls/internal/config"
	"github.com/n0madic/go-fpirls/internal/metrics"
	"github.com/n0madic/go-fpirls/internal/report"
	"github.com/n0madic/go-fpirls/internal/store"
	"github.com/spf13/cobra"
)

type fitFlags struct {
	configPath  string
	outPath     string
	plotPath    string
	metricsPath string
}

func newFitCmd(c *cli) *cobra.Command {
	f := &fitFlags{}
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a problem file over its smoothing grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(cmd.OutOrStdout(), c, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Problem file (YAML)")
	cmd.Flags().StringVarP(&f.outPath, "out", "o", "", "Write the full result in gob format")
	cmd.Flags().StringVar(&f.plotPath, "plot", "", "Plot the selection criterion against λS (png, svg, pdf)")
	cmd.Flags().StringVar(&f.metricsPath, "metrics", "", "Write Prometheus metrics in text format")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runFit(w io.Writer, c *cli, f *fitFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	rec, err := metrics.New(cfg.MaxIterations)
	if err != nil {
		return err
	}
	problem, err := cfg.Build(fpirls.WithLogger(c.logger), fpirls.WithRecorder(rec))
	if err != nil {
		return fmt.Errorf("build problem: %w", err)
	}

	c.logger.Info("fitting",
		"model", problem.Driver.Model(),
		"observations", problem.Driver.NumObs(),
		"grid", problem.Driver.Grid().Len())

	res, err := problem.Driver.Apply(problem.Forcing)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	rec.ObserveResult(res)

	if err := printResult(w, res); err != nil {
		return err
	}

	var errs []error
	if f.outPath != "" {
		errs = append(errs, saveResult(f.outPath, res))
	}
	if f.plotPath != "" {
		crit := report.GCV
		if best := res.Best(); best != nil && best.GCV == fpirls.NoGCV {
			crit = report.Functional
		}
		errs = append(errs, report.Save(res, crit, f.plotPath))
	}
	if f.metricsPath != "" {
		errs = append(errs, rec.WriteTextfile(f.metricsPath))
	}
	if c.dbPath != "" {
		errs = append(errs, recordRun(c, f.configPath, problem.Driver.NumObs(), res))
	}
	return errors.Join(errs...)
}

func saveResult(path string, res *fpirls.Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := res.Save(file); err != nil {
		file.Close()
		return fmt.Errorf("save result: %w", err)
	}
	return file.Close()
}

func recordRun(c *cli, source string, n int, res *fpirls.Result) error {
	s, err := store.Open(c.dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	run := &store.Run{Source: source, NumObs: n}
	if err := s.Insert(run, res); err != nil {
		return err
	}
	c.logger.Info("run recorded", "run_id", run.RunID, "db", c.dbPath)
	return nil
}

var selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))

// printResult renders one row per grid point and marks the selected one.
func printResult(w io.Writer, res *fpirls.Result) error {
	best := res.Best()
	rows := make([][]string, 0, len(res.Points))
	selected := -1
	for i := range res.Points {
		p := &res.Points[i]
		mark := ""
		if best != nil && p.Point == best.Point {
			mark = "*"
			selected = i
		}
		rows = append(rows, []string{
			mark,
			formatFloat(p.LambdaS),
			formatFloat(p.LambdaT),
			strconv.Itoa(p.Iterations),
			strconv.FormatBool(p.Converged),
			formatFloat(p.JMin()),
			formatGCV(p.GCV),
			formatFloat(p.DOF()),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("", "λS", "λT", "iter", "converged", "J", "GCV", "DOF").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row != table.HeaderRow && row == selected {
				return selectedStyle
			}
			return lipgloss.NewStyle()
		})

	_, err := fmt.Fprintf(w, "%s\n%s\n", res.Model, t.Render())
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func formatGCV(v float64) string {
	if v == fpirls.NoGCV {
		return "-"
	}
	return formatFloat(v)
}
