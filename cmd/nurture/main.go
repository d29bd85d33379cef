package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/config"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	srv "github.com/mohammad-safakhou/nurture/internal/server"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "nurture",
		Short:         "Risk-aware daily message planning and dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		migrateCMD(&cfgPath),
		planCMD(&cfgPath),
		dispatchCMD(&cfgPath),
		riskCMD(),
		contentCMD(&cfgPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads config and builds the process logger.
func bootstrap(cfgPath string) (*config.Config, *zap.Logger, error) {
	cfg := config.LoadConfig(cfgPath)
	logger, err := logging.New(cfg.General.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp runs fn against a fully wired pipeline.
func withApp(ctx context.Context, cfgPath string, fn func(app *srv.App) error) error {
	cfg, logger, err := bootstrap(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	app, err := srv.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
