package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/audit-relay/pkg/output"
	"github.com/telekom/audit-relay/pkg/version"
)

func newVersionCommand(rt *runtimeState) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show audit-relay version",
		RunE: func(_ *cobra.Command, _ []string) error {
			format, err := output.ParseFormat(outputFormat)
			if err != nil {
				return err
			}
			info := version.Get()
			if format == output.FormatTable {
				_, err := fmt.Fprintln(rt.Writer(), info.String())
				return err
			}
			return output.WriteObject(rt.Writer(), format, info)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: json, yaml")
	return cmd
}
