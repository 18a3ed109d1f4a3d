package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openrelay/elproxy/internal/core"
	"github.com/openrelay/elproxy/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := core.LoadConfig(configFlag)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		p, err := proxy.Init(cfg)
		if err != nil {
			return err
		}
		if err := p.Open(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := p.Start(ctx); err != nil {
			p.Close()
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			p.Logger.Info("received shutdown signal")
			cancel()
			p.Shutdown()
		}()

		runErr := p.Run()
		p.Close()

		if runErr != nil {
			return runErr
		}
		p.Logger.Info("shut down")
		return nil
	},
}
