package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GrainArc/GeoRef/config"
	"github.com/GrainArc/GeoRef/routers"
	"github.com/GrainArc/GeoRef/sessions"
	"github.com/GrainArc/GeoRef/views"
)

func serveCommand() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API.",
		Long: `Run the HTTP API. With the memory queue the workers run inside this
process; with the redis queue they run here only when --workers is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var pool *sessions.WorkerPool
			n := workers
			if n == 0 && config.MainConfig.Queue == "memory" {
				n = config.MainConfig.Workers
			}
			if a.queue != nil && n > 0 {
				pool = sessions.NewWorkerPool(a.queue, a.machine, n)
				pool.Start(ctx)
			}

			r := gin.Default()
			routers.GeorefRouters(r, views.NewGeorefHandler(a.db, a.machine, a.cache, a.store))
			srv := &http.Server{Addr: config.MainConfig.MainRouter, Handler: r}

			errc := make(chan error, 1)
			go func() {
				log.Printf("listening on %s", srv.Addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			case <-ctx.Done():
				shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdown); err != nil {
					log.Warnf("shutdown: %v", err)
				}
			}
			if pool != nil {
				pool.Wait()
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "queue workers to run in this process")
	return cmd
}

func workerCommand() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued sessions from the redis queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.MainConfig.Queue != "redis" {
				log.Warnf("queue %q is not shared between processes; use serve instead", config.MainConfig.Queue)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.queue == nil {
				return nil
			}
			if workers <= 0 {
				workers = config.MainConfig.Workers
			}
			pool := sessions.NewWorkerPool(a.queue, a.machine, workers)
			pool.Start(ctx)
			log.Printf("%d workers waiting for sessions", workers)
			pool.Wait()
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "number of workers, defaults to the configured count")
	return cmd
}
