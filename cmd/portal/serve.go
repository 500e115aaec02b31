package main

import (
	"github.com/spf13/cobra"

	"portal/cmd/internal/app"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the HTTP server until SIGINT or SIGTERM.

PORTAL_DIRECTUS_URL is required. The default credential store seals
credentials into cookies and needs PORTAL_COOKIE_SECRET (32+ bytes).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), app.WithHTTPAddr(addr))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides PORTAL_HTTP_ADDR)")
	return cmd
}
