// Package cli provides the tsdv command-line interface.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vjranagit/tsdv/internal/config"
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitInit     = 1
	ExitInternal = 2
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// CLI holds the command-line interface state
type CLI struct {
	rootCmd *cobra.Command
	cfg     *config.Config
	out     io.Writer
	errOut  io.Writer

	// Global flags
	configPath string
	listenAddr string
	clean      bool
	debug      bool
}

// New creates a new CLI writing to stdout and stderr
func New() *CLI {
	return NewWithOutput(os.Stdout, os.Stderr)
}

// NewWithOutput creates a CLI with explicit output streams
func NewWithOutput(out, errOut io.Writer) *CLI {
	c := &CLI{out: out, errOut: errOut}
	c.rootCmd = c.newRootCmd()
	return c
}

// Execute runs the CLI and returns the process exit code
func (c *CLI) Execute() int {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the CLI with explicit arguments
func (c *CLI) ExecuteArgs(args []string) int {
	c.rootCmd.SetArgs(args)
	if err := c.rootCmd.Execute(); err != nil {
		fmt.Fprintf(c.errOut, "tsdv: %v\n", err)
		if isInitFailure(err) {
			return ExitInit
		}
		return ExitInternal
	}
	return ExitSuccess
}

func (c *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsdv",
		Short: "tsdv - time series bridge for chart surfaces",
		Long: `tsdv serves windowed, downsampled series data to a browser-hosted chart
surface. Resource fetches whose path carries the tsdv marker are answered
synchronously; explicit calls arrive over a websocket and complete through a
callback invocation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}
	cmd.SetOut(c.out)
	cmd.SetErr(c.errOut)

	// Global flags
	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ./tsdv.yaml)")
	cmd.PersistentFlags().StringVar(&c.listenAddr, "listen", "", "listen address (overrides config)")
	cmd.PersistentFlags().BoolVar(&c.clean, "clean", false, "drop existing engine data on startup")
	cmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "verbose debug logs")

	cmd.AddCommand(c.newServeCmd())
	cmd.AddCommand(c.newImportCmd())
	cmd.AddCommand(c.newQueryCmd())
	cmd.AddCommand(c.newPruneLogsCmd())
	cmd.AddCommand(c.newVersionCmd())

	return cmd
}

func (c *CLI) initConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	// Override with flags
	if c.listenAddr != "" {
		cfg.Server.ListenAddr = c.listenAddr
	}
	if c.clean {
		cfg.Engine.Clean = true
	}
	if c.debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	return nil
}
