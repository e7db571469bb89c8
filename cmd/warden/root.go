package main

import (
	"io"

	"github.com/spf13/cobra"

	"warden/internal/infra/config"
)

// cli carries the state shared by every subcommand.
type cli struct {
	cfgPath string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Sandboxed WebAssembly plugin engine",
		Long: `warden loads untrusted WebAssembly plugins and runs them under memory,
time and instruction budgets with a capability-based permission model.

Configuration is read from --config (YAML). WARDEN_* environment variables
override file values.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "warden.yaml", "config file path")

	root.AddCommand(
		c.newValidateCmd(),
		c.newRunCmd(),
		c.newServeCmd(),
		c.newSchemaCmd(),
		c.newListCmd(),
		c.newInitCmd(),
		c.newHistoryCmd(),
	)
	return root
}

// loadConfig reads the config file; a missing file yields the defaults.
func (c *cli) loadConfig() (*config.Config, error) {
	return config.Load(c.cfgPath)
}
