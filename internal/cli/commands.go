package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vjranagit/tsdv/pkg/perflog"
	"github.com/vjranagit/tsdv/pkg/prefs"
	"github.com/vjranagit/tsdv/pkg/types"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *CLI) newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Insert rows from a {startDate,endDate,points} JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runImport(commandContext(cmd), args[0])
		},
	}
}

func (c *CLI) runImport(ctx context.Context, path string) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	a, err := openApp(ctx, c.cfg, c.cfg.NewLogger(c.errOut))
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.bridge.AddData(ctx, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "imported %d bytes into %s\n", len(data), a.handle.Schema().Table)
	return nil
}

func (c *CLI) newQueryCmd() *cobra.Command {
	var (
		p       types.QueryParams
		metrics string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a synchronous query and print the engine payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metrics != "" {
				p.Metrics = strings.Split(metrics, ",")
			}
			return c.runQuery(commandContext(cmd), p)
		},
	}

	cmd.Flags().StringVar(&p.StartDate, "start", "", "start date")
	cmd.Flags().StringVar(&p.EndDate, "end", "", "end date")
	cmd.Flags().IntVar(&p.NumOfPoints, "points", 0, "requested number of points")
	cmd.Flags().StringVar(&metrics, "metrics", "", "comma-separated columns (default: all)")

	return cmd
}

func (c *CLI) runQuery(ctx context.Context, p types.QueryParams) error {
	a, err := openApp(ctx, c.cfg, c.cfg.NewLogger(c.errOut))
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Fprintln(c.out, string(a.bridge.SyncGetData(ctx, p)))
	return nil
}

func (c *CLI) newPruneLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-logs",
		Short: "Remove performance log files",
		Long: `Remove every performance log file in the log directory. Run it while the
server is stopped; a running server prunes on its own schedule and keeps its
active file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPruneLogs()
		},
	}
}

func (c *CLI) runPruneLogs() error {
	logger := c.cfg.NewLogger(c.errOut)

	store, err := prefs.OpenBadger(c.cfg.Logging.PrefsDir)
	if err != nil {
		return fmt.Errorf("failed to open preference store: %w", err)
	}
	defer store.Close()

	rec := perflog.NewRecorder(store, c.cfg.ToRecorderOptions(logger))
	defer rec.Close()

	removed, err := rec.PruneOldLogs()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "removed %d log files\n", removed)
	return nil
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.out, "tsdv %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
			fmt.Fprintf(c.out, "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
