package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"triangulum/internal/api"
	"triangulum/internal/config"
	"triangulum/internal/core"
	"triangulum/internal/logging"
	"triangulum/internal/metrics"
	"triangulum/internal/outcomes"
	"triangulum/internal/repair"
	"triangulum/internal/review"
)

var (
	simulate    bool
	submitRate  float64
	submitBurst int
	noWatch     bool
)

// runCmd hosts the supervisor until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor, control API and config watcher",
	Long: `Recovers state from the newest snapshot plus the event log, then ticks
the control loop until SIGINT or SIGTERM. On shutdown it writes a final
snapshot and waits up to executor.drain_timeout for running sessions.

Each session runs repair.command from the config with the ticket on stdin.
Use --simulate to run the built-in simulator instead.`,
	Args: cobra.NoArgs,
	RunE: runRuntime,
}

func init() {
	runCmd.Flags().BoolVar(&simulate, "simulate", false, "Use the simulated repairer")
	runCmd.Flags().Float64Var(&submitRate, "submit-rate", 0, "Max ticket submissions per second over the API (0 = unlimited)")
	runCmd.Flags().IntVar(&submitBurst, "submit-burst", 10, "Burst size for --submit-rate")
	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload admission gains when the config file changes")
}

func runRuntime(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	rt, err := newDaemon(cfg, daemonOptions{
		Simulate:    simulate,
		SubmitRate:  rate.Limit(submitRate),
		SubmitBurst: submitBurst,
		ConfigPath:  configPath,
		Watch:       !noWatch,
		ListenAddr:  addr,
	})
	if err != nil {
		return err
	}
	return rt.run(ctx)
}

type daemonOptions struct {
	Simulate    bool
	SubmitRate  rate.Limit
	SubmitBurst int
	ConfigPath  string
	Watch       bool
	ListenAddr  string
}

// daemon owns everything `run` starts.
type daemon struct {
	opts     daemonOptions
	sup      *core.Supervisor
	store    *outcomes.Store
	hub      *review.Hub
	server   *api.Server
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

func newRepairer(c *config.Config, simulated bool) (core.Repairer, error) {
	if simulated {
		return repair.NewSimulated(c.SimConfig())
	}
	if len(c.Repair.Command) == 0 {
		return nil, errors.New("no repair.command configured; set one or pass --simulate")
	}
	rc, err := repair.NewCommand(c.Repair.Command)
	if err != nil {
		return nil, err
	}
	rc.Dir = c.Repair.Dir
	return rc, nil
}

func newDaemon(c *config.Config, opts daemonOptions) (*daemon, error) {
	repairer, err := newRepairer(c, opts.Simulate)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	store, err := outcomes.Open(c.OutcomesPath())
	if err != nil {
		return nil, err
	}

	hub := review.NewHub(nil)
	sup, err := core.NewSupervisor(c.ToSupervisorConfig(), core.Deps{
		Repairer: repairer,
		Outcomes: store,
		Review:   hub,
		Metrics:  collector,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	rec := sup.Recovered()
	logging.Boot("recovered state from %s: snapshot=%d replayed=%d skipped=%d pending=%d",
		c.StateDir, rec.SnapshotID, rec.Replayed, rec.Skipped, len(sup.Pending()))

	server := api.NewServer(api.Options{
		Supervisor:  sup,
		Reviews:     hub,
		Outcomes:    store,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		SubmitRate:  opts.SubmitRate,
		SubmitBurst: opts.SubmitBurst,
	})

	return &daemon{opts: opts, sup: sup, store: store, hub: hub, server: server, registry: registry, metrics: collector}, nil
}

// onConfigChange pushes reloaded gains to the supervisor. Everything else in
// the file needs a restart.
func (r *daemon) onConfigChange(c *config.Config) {
	if err := r.sup.UpdateAdmission(c.Gains()); err != nil {
		logging.ConfigWarn("ignoring reloaded admission gains: %v", err)
		return
	}
	logging.Config("admission gains reloaded: %+v", c.Gains())
}

func (r *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.sup.Run(gctx) })

	decisions, unsubscribe := r.hub.Subscribe(0)
	g.Go(func() error {
		defer unsubscribe()
		r.watchReviews(gctx, decisions)
		return nil
	})

	if r.opts.ListenAddr != "" {
		g.Go(func() error {
			if err := r.server.Serve(gctx, r.opts.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API on %s: %w", r.opts.ListenAddr, err)
			}
			return nil
		})
	}

	if r.opts.Watch && r.opts.ConfigPath != "" {
		w, err := config.NewWatcher(r.opts.ConfigPath, r.onConfigChange)
		if err != nil {
			logging.BootWarn("config watcher disabled: %v", err)
		} else {
			g.Go(func() error {
				if err := w.Run(gctx); err != nil {
					logging.BootWarn("config watcher disabled: %v", err)
				}
				return nil
			})
		}
	}

	runErr := g.Wait()
	return errors.Join(runErr, r.close())
}

// watchReviews counts operator decisions until ctx ends or the
// subscription closes.
func (r *daemon) watchReviews(ctx context.Context, decisions <-chan review.Decision) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-decisions:
			if !ok {
				return
			}
			r.metrics.ReviewDecided(string(d.Verdict))
			logging.Boot("review decision: ticket=%s verdict=%s", d.TicketID, d.Verdict)
		}
	}
}

func (r *daemon) close() error {
	var errs []error
	if err := r.sup.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close outcome store: %w", err))
	}
	logging.Boot("shutdown complete")
	return errors.Join(errs...)
}
