package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/plugin"
)

type runFlags struct {
	input      string
	pluginCfg  string
	allowDirs  []string
	allowHosts []string
	allowEnv   bool
	memory     string
	timeout    time.Duration
	fuel       uint64
}

func (f runFlags) permissions() domain.PluginPermissions {
	return domain.PluginPermissions{
		Filesystem:   len(f.allowDirs) > 0,
		Network:      len(f.allowHosts) > 0,
		EnvVars:      f.allowEnv,
		AllowedDirs:  f.allowDirs,
		AllowedHosts: f.allowHosts,
	}
}

func (f runFlags) limits() (domain.ResourceLimits, error) {
	var l domain.ResourceLimits
	if f.memory != "" {
		n, err := config.ParseSize(f.memory)
		if err != nil {
			return l, fmt.Errorf("--memory: %w", err)
		}
		l.MaxMemoryBytes = uint64(n)
	}
	if f.timeout < 0 {
		return l, fmt.Errorf("--timeout must be positive")
	}
	l.MaxExecutionTimeMS = f.timeout.Milliseconds()
	if f.timeout > 0 && l.MaxExecutionTimeMS == 0 {
		l.MaxExecutionTimeMS = 1
	}
	l.MaxInstructions = f.fuel
	return l, nil
}

func (c *cli) newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <file.wasm>",
		Short: "Load a module, execute it once and print the output",
		Long: `Run loads the module with the given limits and permissions, calls
plugin_execute with --input and prints the JSON output on stdout.
Zero limits fall back to the engine defaults. Filesystem, network and
environment access are only granted by the matching --allow flags.`,
		Example: `  warden run echo.wasm --input '{"text":"hi"}'
  warden run reader.wasm --allow-dir /srv/data --memory 16MB --timeout 500ms
  warden run fetch.wasm --allow-host api.example.com --fuel 50000000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runOnce(cmd.Context(), args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "{}", "JSON input passed to plugin_execute")
	fl.StringVar(&f.pluginCfg, "plugin-config", "", "JSON config passed to plugin_init")
	fl.StringSliceVar(&f.allowDirs, "allow-dir", nil, "grant filesystem access below this absolute directory (repeatable)")
	fl.StringSliceVar(&f.allowHosts, "allow-host", nil, "grant network access to this host or *.domain pattern (repeatable)")
	fl.BoolVar(&f.allowEnv, "allow-env", false, "grant read access to environment variables")
	fl.StringVar(&f.memory, "memory", "", "memory cap, e.g. 16MB")
	fl.DurationVar(&f.timeout, "timeout", 0, "wall-clock limit per call, e.g. 500ms")
	fl.Uint64Var(&f.fuel, "fuel", 0, "instruction budget per call")
	return cmd
}

func (c *cli) runOnce(ctx context.Context, path string, f runFlags) error {
	if !json.Valid([]byte(f.input)) {
		return fmt.Errorf("--input is not valid JSON")
	}
	if f.pluginCfg != "" && !json.Valid([]byte(f.pluginCfg)) {
		return fmt.Errorf("--plugin-config is not valid JSON")
	}
	limits, err := f.limits()
	if err != nil {
		return err
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	var opts []plugin.LoadOption
	opts = append(opts, plugin.WithSource(path))
	if f.pluginCfg != "" {
		opts = append(opts, plugin.WithPluginConfig([]byte(f.pluginCfg)))
	}
	id, err := eng.mgr.Load(ctx, bin, limits, f.permissions(), opts...)
	if err != nil {
		return err
	}

	out, err := eng.mgr.Execute(ctx, id, domain.PluginInput(f.input))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s\n", out)
	return eng.mgr.Unload(ctx, id)
}
