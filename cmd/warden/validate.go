package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"warden/internal/domain"
	"warden/internal/infra/logger"
	"warden/internal/plugin"
	"warden/internal/plugin/wasm"
)

func (c *cli) newValidateCmd() *cobra.Command {
	var structural bool
	cmd := &cobra.Command{
		Use:   "validate <file.wasm>",
		Short: "Check a module against the plugin ABI",
		Long: `Validate checks the module structure (required exports, allowed imports)
and, unless --structural is set, instantiates it without granting any
permissions to read and schema-check its metadata. plugin_init is not called.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate(cmd.Context(), args[0], structural)
		},
	}
	cmd.Flags().BoolVar(&structural, "structural", false, "skip instantiation and metadata checks")
	return cmd
}

func (c *cli) runValidate(ctx context.Context, path string, structural bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	rt, err := wasm.NewRuntime(ctx, runtimeConfig(cfg.Engine.Host), logger.Discard())
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	vm, err := rt.Validate(ctx, bin)
	if err != nil {
		fmt.Fprintf(c.stdout, "FAIL: %v\n", err)
		return fmt.Errorf("validation failed: %s", domain.ErrorCodeOf(err))
	}
	fmt.Fprintf(c.stdout, "PASS: module structure (%d bytes, blake2b-256 %s)\n", vm.Size, vm.Digest)
	if len(vm.Imports) > 0 {
		fmt.Fprintf(c.stdout, "      host imports: %s\n", strings.Join(vm.Imports, ", "))
	}
	if structural {
		return nil
	}

	limits := cfg.Engine.DefaultLimits.WithDefaults(domain.DefaultResourceLimits())
	inst, err := rt.Instantiate(ctx, vm, limits, wasm.InstanceEnv{ID: "validate", Logger: logger.Discard()})
	if err != nil {
		fmt.Fprintf(c.stdout, "FAIL: instantiate: %v\n", err)
		return fmt.Errorf("validation failed: %s", domain.ErrorCodeOf(err))
	}
	defer inst.Close(context.WithoutCancel(ctx))

	raw, err := inst.Metadata(ctx)
	if err == nil {
		var md domain.PluginMetadata
		if md, err = plugin.ParseMetadata(raw); err == nil {
			err = managerConfig(cfg.Engine).Policy.Check(md)
			printMetadata(c, md)
		}
	}
	if err != nil {
		fmt.Fprintf(c.stdout, "FAIL: %v\n", err)
		return fmt.Errorf("validation failed: %s", domain.ErrorCodeOf(err))
	}
	fmt.Fprintln(c.stdout, "PASS: metadata and capability policy")
	return nil
}

func printMetadata(c *cli, md domain.PluginMetadata) {
	caps := make([]string, len(md.Capabilities))
	for i, cp := range md.Capabilities {
		caps[i] = string(cp)
	}
	if len(caps) == 0 {
		caps = []string{"-"}
	}
	fmt.Fprintf(c.stdout, "      %s %s (%s) capabilities: %s\n", md.Name, md.Version, md.Type, strings.Join(caps, ", "))
}
