package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"portal/cmd/internal/app"
)

func routesCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "routes PATH...",
		Short: "Show how the session guard classifies paths",
		Long: `Classify each PATH with the configured route table (defaults,
then --file or PORTAL_ROUTES_FILE, then PORTAL_PROTECTED_PREFIXES and
PORTAL_PUBLIC_PATHS).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config{
				RoutesFile:        app.EnvString("PORTAL_ROUTES_FILE", ""),
				ProtectedPrefixes: app.EnvCSV("PORTAL_PROTECTED_PREFIXES"),
				PublicPaths:       app.EnvCSV("PORTAL_PUBLIC_PATHS"),
			}
			if file != "" {
				cfg.RoutesFile = file
			}
			c, err := app.LoadRoutes(cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PATH\tCLASS")
			for _, p := range args {
				class := c.Classify(p).String()
				if c.Exempt(p) {
					class = "exempt"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", p, class)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML route table")
	return cmd
}
