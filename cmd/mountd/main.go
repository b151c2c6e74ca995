// Command mountd drives the configured mounts, focusers and domes and
// serves them over HTTP, websocket and rotctld.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/history"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/telemetry"
)

var (
	configPath = flag.String("config", "mountd.yaml", "path to the configuration file")
	listen     = flag.String("listen", "", "HTTP listen address, overriding api.listen")
)

const (
	positionInterval = time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mountd: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	log := logging.New(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.Tracing.Enabled, os.Stderr, log)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownWithTimeout(shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}
	recorders := []telemetry.Recorder{metrics}
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("closing telemetry", "error", err)
			}
		}
	}()

	if cfg.InfluxDB.Enabled {
		influx, err := telemetry.DialInflux(cfg.InfluxDB.InfluxConfig, log)
		if err != nil {
			return err
		}
		recorders = append(recorders, influx)
		closers = append(closers, influx)
	}
	if cfg.MQTT.Enabled {
		mq, err := telemetry.DialMQTT(cfg.MQTT.MQTTConfig, log)
		if err != nil {
			return err
		}
		recorders = append(recorders, mq)
		closers = append(closers, mq)
	}
	if cfg.Journal.Path != "" {
		j, err := telemetry.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return err
		}
		recorders = append(recorders, j)
		closers = append(closers, j)
	}

	srv := NewServer(ctx, log)
	if cfg.History.Path != "" {
		h, err := history.Open(cfg.History.Path, log)
		if err != nil {
			return err
		}
		srv.history = h
		recorders = append(recorders, h)
		closers = append(closers, h)
	}

	loc := cfg.Location()
	var controllers []*motion.Controller
	for _, d := range cfg.Devices {
		opts, err := sunOptions(d)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		drv, err := newDriver(ctx, d, loc, srv.DriverStatus(d.Name), log)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		session := device.NewSession(d.Name, drv, d.Session(), log)
		opts = append(opts, motion.WithLogger(log.With("device", d.Name)))
		c := motion.NewController(session, d.Motion(loc), opts...)
		srv.Add(c, d.Driver)
		telemetry.Attach(c, recorders...)
		controllers = append(controllers, c)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, c := range controllers {
			if err := c.Close(ctx); err != nil {
				log.Warn("closing device", "device", c.Name(), "error", err)
			}
		}
	}()

	// A device that fails to open is left in ERROR; the others still serve.
	var opens errgroup.Group
	for _, c := range controllers {
		c := c
		opens.Go(func() error {
			if err := c.Open(ctx); err != nil {
				log.Error("opening device", "device", c.Name(), "error", err)
			}
			metrics.SetStatus(c.Name(), c.Status())
			return nil
		})
	}
	_ = opens.Wait()

	g, gctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           srv.Router(cfg.API.Static, metrics.Handler()),
		ReadHeaderTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Info("serving HTTP", "addr", cfg.API.Listen)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown; closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	})
	if cfg.API.Rotctld != "" {
		name := cfg.API.RotctldDevice
		if name == "" {
			name = firstHorizontal(controllers)
		}
		g.Go(func() error { return srv.ListenRotctld(gctx, cfg.API.Rotctld, name) })
	}
	g.Go(func() error { return srv.BroadcastPositions(gctx, positionInterval) })
	return g.Wait()
}

// firstHorizontal returns the first device with horizontal axes.
func firstHorizontal(controllers []*motion.Controller) string {
	for _, c := range controllers {
		if c.Capabilities().Horizontal {
			return c.Name()
		}
	}
	return ""
}
