package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/delivery-saga/cmd/worker"
	"github.com/jmehdipour/delivery-saga/internal/app"
)

var withWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (optionally with every worker role)",
	RunE: func(cmd *cobra.Command, args []string) error {
		needs := []app.Resource{app.Redis, app.ClickHouse}
		if withWorkers {
			needs = append(needs, worker.Needs(worker.AllRoles...)...)
		}
		a, err := app.Open(cfgPath, needs...)
		if err != nil {
			return err
		}
		defer a.Close()

		server, err := a.HTTPServer()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			if err := server.Start(a.Cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(sctx)
		})

		if withWorkers {
			if err := worker.Start(ctx, g, a, worker.AllRoles...); err != nil {
				stop()
				_ = g.Wait()
				return err
			}
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withWorkers, "with-workers", false, "also run every worker role (relay, consumers, reporter)")
}
