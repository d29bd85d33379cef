package main

import (
	"github.com/spf13/cobra"

	srv "github.com/mohammad-safakhou/nurture/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the planning/dispatch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, func(app *srv.App) error {
				return srv.Run(cmd.Context(), app, addr)
			})
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return serve
}
