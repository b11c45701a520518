package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	jobqueue "github.com/owles/go-jobqueue"
	"github.com/owles/go-jobqueue/core"
	"github.com/owles/go-jobqueue/observability/metrics"
)

func workCmd() *cobra.Command {
	var (
		concurrency int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "work TYPE...",
		Short: "Run echo workers that complete jobs with their payload as result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			observer, err := metrics.NewObserver(reg, "jobqueue")
			if err != nil {
				return err
			}

			a, err := setup(cmd, observer)
			if err != nil {
				return err
			}
			defer a.Close()
			reg.MustRegister(metrics.NewDepthCollector(a.queue, "jobqueue", args...))

			regs := make([]jobqueue.Registration, 0, len(args))
			for _, jobType := range args {
				regs = append(regs, jobqueue.Registration{
					Type:        jobType,
					Concurrency: concurrency,
					Handler:     echoHandler{},
					Timeout:     timeout,
				})
			}
			pool := jobqueue.NewPool(a.queue, regs, a.cfg.PoolConfig())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)

			if a.cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv := &http.Server{
					Addr:              a.cfg.MetricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}

				g.Go(func() error {
					a.logger.Info("metrics server started", "addr", a.cfg.MetricsAddr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			g.Go(func() error {
				if err := pool.Listen(gctx); err != nil {
					return err
				}
				<-gctx.Done()

				a.logger.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
				defer cancel()
				if err := pool.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("graceful shutdown: %w", err)
				}
				for _, m := range pool.Metrics() {
					a.logger.Info("worker summary", "metrics", m)
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "consumer loops per job type")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-job handler timeout (0 means none)")
	return cmd
}

// echoHandler completes every job with its payload as the result.
type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, job *core.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.Result = append(json.RawMessage(nil), job.Payload...)
	return nil
}
