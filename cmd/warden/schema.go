package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/internal/plugin"
)

func (c *cli) newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema that plugin_metadata output must satisfy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := plugin.MetadataSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.stdout, "%s\n", data)
			return err
		},
	}
}
