package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/nurture/internal/dispatch"
	"github.com/mohammad-safakhou/nurture/internal/planner"
	srv "github.com/mohammad-safakhou/nurture/internal/server"
)

func planCMD(cfgPath *string) *cobra.Command {
	var req planner.Request
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Build message plans (default: tomorrow, every opted-in user)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, func(app *srv.App) error {
				sum, err := app.Runner.Run(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	plan.Flags().StringVar(&req.UserID, "user", "", "plan a single user")
	plan.Flags().StringVar(&req.PlanDate, "date", "", "plan date YYYY-MM-DD")
	plan.Flags().BoolVar(&req.Force, "force", false, "regenerate existing plans")
	return plan
}

func dispatchCMD(cfgPath *string) *cobra.Command {
	var userID string
	var hour int
	d := &cobra.Command{
		Use:   "dispatch",
		Short: "Send the current window of today's plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := dispatch.Options{UserID: userID}
			if cmd.Flags().Changed("hour") {
				opts.Hour = &hour
			}
			return withApp(cmd.Context(), *cfgPath, func(app *srv.App) error {
				sum, err := app.Dispatcher.Dispatch(cmd.Context(), time.Now(), opts)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	d.Flags().StringVar(&userID, "user", "", "dispatch a single user")
	d.Flags().IntVar(&hour, "hour", 0, "override the invocation hour (UTC, 0-23)")
	return d
}
