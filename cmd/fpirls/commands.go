package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// cli carries the flags shared by all subcommands.
type cli struct {
	logLevel  string
	logFormat string
	dbPath    string

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "fpirls",
		Short: "Functional penalized iteratively reweighted least squares",
		Long: `fpirls fits penalized regression, generalized additive and mixed-effects
models over a grid of smoothing strengths and reports the GCV selection.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), c.logLevel, c.logFormat)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "auto", "Log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&c.dbPath, "db", "", "SQLite database recording the run history")

	rootCmd.AddCommand(newFitCmd(c), newRunsCmd(c))
	return rootCmd
}

// newLogger builds the slog handler. auto picks text on a terminal and JSON
// otherwise.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "auto":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q", format)
}
