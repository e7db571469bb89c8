package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"warden/internal/domain"
	"warden/internal/plugin"
)

func (c *cli) newListCmd() *cobra.Command {
	var dirs []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugin manifests found in the plugin directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dirs) == 0 {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				dirs = cfg.Plugins.Dirs
			}
			return c.listPlugins(dirs)
		},
	}
	cmd.Flags().StringSliceVarP(&dirs, "dir", "d", nil, "plugin directory to scan instead of plugins.dirs (repeatable)")
	return cmd
}

func (c *cli) listPlugins(dirs []string) error {
	manifests, err := plugin.ScanDirectories(dirs)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(manifests) == 0 {
		fmt.Fprintln(c.stdout, "No plugins found.")
		return nil
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBINARY\tMEMORY\tTIMEOUT\tPERMISSIONS\tDIR")
	for _, m := range manifests {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Name, m.Binary, memoryLabel(m.Limits), timeoutLabel(m.Limits),
			permissionLabel(m.Permissions), m.Dir)
	}
	return w.Flush()
}

func memoryLabel(l domain.ResourceLimits) string {
	if l.MaxMemoryBytes == 0 {
		return "default"
	}
	return fmt.Sprintf("%dKB", l.MaxMemoryBytes>>10)
}

func timeoutLabel(l domain.ResourceLimits) string {
	if l.MaxExecutionTimeMS == 0 {
		return "default"
	}
	return l.ExecutionTimeout().String()
}

func permissionLabel(p domain.PluginPermissions) string {
	var granted []string
	for _, c := range domain.Capabilities {
		if p.Grants(c) {
			granted = append(granted, string(c))
		}
	}
	if len(granted) == 0 {
		return "-"
	}
	return strings.Join(granted, ",")
}
