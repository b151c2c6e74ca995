package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/w1xm/mount_interface/alpaca"
	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/dome"
	"github.com/w1xm/mount_interface/easycomm"
	"github.com/w1xm/mount_interface/easycomm/simulator"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/internal/modbus"
	"github.com/w1xm/mount_interface/rci"
	"github.com/w1xm/mount_interface/sim"
	"github.com/w1xm/mount_interface/transform"
)

// simulatorAddress selects the in-process EasyComm simulator.
const simulatorAddress = "sim"

// newDriver builds the driver for cfg. Raw driver status reports are
// passed to onStatus. Background work started for the driver stops with ctx.
func newDriver(ctx context.Context, cfg config.DeviceConfig, loc *transform.Location, onStatus func(any), log *logging.Logger) (device.Driver, error) {
	log = log.With("device", cfg.Name)
	switch cfg.Driver {
	case config.DriverSim:
		opts := sim.Options{}
		if loc != nil {
			opts.Location = *loc
		}
		return sim.New(cfg.Kind, opts)

	case config.DriverAlpaca:
		opts := alpaca.Options{URL: cfg.Address, Number: cfg.DeviceNumber, ClientID: 1}
		switch cfg.Kind {
		case config.KindTelescope:
			return alpaca.NewTelescope(opts, cfg.AltAz), nil
		case config.KindFocuser:
			return alpaca.NewFocuser(opts, cfg.StepSize), nil
		case config.KindDome:
			return alpaca.NewDome(opts), nil
		}
		return nil, fmt.Errorf("alpaca: unknown kind %q", cfg.Kind)

	case config.DriverEasyComm:
		dial := easycomm.DialTCP(cfg.Address)
		if cfg.Address == simulatorAddress {
			dial = dialSimulator(ctx, log)
		}
		return easycomm.New(dial, easycomm.Options{
			Tolerance: cfg.Tolerance,
			OnStatus:  func(s easycomm.Status) { onStatus(s) },
		}, log), nil

	case config.DriverRCI:
		return rci.New(rci.SerialPort(cfg.Address, cfg.Baud), rci.Options{
			AcceptableShutdowns: cfg.AcceptableShutdowns,
			Tolerance:           cfg.Tolerance,
			OnStatus:            func(s rci.Status) { onStatus(s) },
		}, log), nil

	case config.DriverDome:
		client := &modbus.Client{
			BaudRate: cfg.Baud,
			SlaveId:  cfg.SlaveID,
			Password: cfg.Password,
		}
		if strings.HasPrefix(cfg.Address, "http://") || strings.HasPrefix(cfg.Address, "https://") {
			client.URL = cfg.Address
		} else {
			client.Port = cfg.Address
		}
		return dome.New(client, func(s dome.Status) { onStatus(s) }, log), nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// dialSimulator starts an EasyComm simulator that runs until ctx ends.
// Each dial replaces the running simulator with a fresh one.
func dialSimulator(ctx context.Context, log *logging.Logger) easycomm.DialFunc {
	var mu sync.Mutex
	var stop context.CancelFunc
	return func(dialCtx context.Context) (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stop != nil {
			stop()
		}
		var runCtx context.Context
		runCtx, stop = context.WithCancel(ctx)
		s, conn := simulator.New(log)
		go func() {
			if err := s.Run(runCtx); err != nil && runCtx.Err() == nil {
				log.Warn("simulator stopped", "error", err)
			}
		}()
		return conn, nil
	}
}
