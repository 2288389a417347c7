package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconciler/internal/server"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive webhooks and run polling, processing and reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg, err := buildRegistry(ctx, cfg.Sources)
		if err != nil {
			return err
		}
		a, err := buildApp(ctx, cfg, st, reg)
		if err != nil {
			return err
		}

		srv := server.New(server.Deps{
			Store:      st,
			Ledger:     a.ledger,
			Registry:   reg,
			Queue:      a.dispatcher,
			Reconciler: a.reconciler,
			Events:     a.bus,
			Breakers:   a.breakers,
		}, cfg.Server)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.run(ctx) })
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})

		err = g.Wait()
		zap.L().Info("reconciler stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
