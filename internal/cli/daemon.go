package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Interval  time.Duration
	Listen    string
	Passes    int
	SkipMedia bool
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run archival passes on an interval",
		Long: `Log in once and run an archival pass every interval until interrupted.

Prometheus metrics are served on /metrics at the listen address. A failed
pass is logged and retried at the next interval.

Example:
  mxarchive daemon --interval 30m --listen :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between passes (0 uses config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "metrics listen address (empty uses config, \"off\" disables)")
	cmd.Flags().IntVar(&opts.Passes, "passes", 0, "stop after this many passes (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.SkipMedia, "skip-media", false, "record media references without downloading bytes")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	ctx := cmd.Context()
	cfg := opts.Config

	interval := cfg.Daemon.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	if interval <= 0 {
		return NewExitError(ExitCommandError, "daemon interval must be positive")
	}
	listen := cfg.Daemon.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	sess, err := openArchive(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			sess.log.Error("error closing session", "error", err)
		}
	}()
	if err := sess.openBlobs(ctx); err != nil {
		return err
	}
	if err := sess.connect(ctx); err != nil {
		return err
	}
	log := sess.log.With("component", "daemon")

	if listen != "off" {
		stop, err := serveMetrics(listen, log.Info)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics listener", err)
		}
		defer stop()
	}

	orch := sess.orchestrator(passOptions{SkipMedia: opts.SkipMedia})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for pass := 1; ; pass++ {
		sum, err := orch.Run(ctx)
		switch {
		case err != nil:
			log.Error("pass could not start", "pass", pass, "error", err)
		case !sum.OK():
			log.Warn("pass finished with failures", "pass", pass, "run_id", sum.RunID,
				"rooms_ok", sum.RoomsOK, "rooms_failed", sum.RoomsFailed)
		default:
			log.Info("pass finished", "pass", pass, "run_id", sum.RunID,
				"rooms_ok", sum.RoomsOK, "events", sum.EventsArchived)
		}
		if held := sum.LeaseHeld(); len(held) > 0 {
			log.Warn("rooms leased by another archiver", "pass", pass, "rooms", held)
		}

		if opts.Passes > 0 && pass >= opts.Passes {
			return nil
		}
		select {
		case <-ctx.Done():
			log.Info("daemon stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// serveMetrics exposes the default Prometheus registry on addr.
// The returned func shuts the server down.
func serveMetrics(addr string, logf func(msg string, args ...any)) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logf("serving prometheus metrics", "addr", ln.Addr().String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logf("metrics listener stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}
