// Command modbus_server exposes a local Modbus RTU bus to remote
// internal/modbus clients over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "Modbus serial port name")
	baud       = flag.Int("baud", 19200, "Modbus baud rate")
	slaveID    = flag.Int("slave_id", 1, "Modbus slave id")
	logLevel   = flag.String("log_level", "info", "log level")
	logFormat  = flag.String("log_format", "console", "log format: json, text or console")
)

func main() {
	flag.Parse()
	log := logging.New(logging.Config{Level: *logLevel, Format: *logFormat, Output: "stderr"})
	if *serialPort == "" {
		log.Error("-serial is required")
		os.Exit(2)
	}

	handler := modbus.NewRTUClientHandler(*serialPort)
	handler.BaudRate = *baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = byte(*slaveID)
	defer handler.Close()

	r := mux.NewRouter()
	r.Handle("/api/send", modbushttp.NewServer(handler, *password, log)).Methods(http.MethodPost)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", srv.Addr, "port", *serialPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serving", "error", err)
		os.Exit(1)
	}
}
