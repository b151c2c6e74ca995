package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/transform"
)

// Hamlib result codes.
const (
	rprtOK       = 0
	rprtEINVAL   = -1
	rprtENIMPL   = -4
	rprtETIMEOUT = -5
	rprtEIO      = -6
	rprtERJCTED  = -9
	rprtBUSBUSY  = -14
)

// earlyErrorWait is how long set_pos and park wait for an immediate
// failure before reporting success.
const earlyErrorWait = 50 * time.Millisecond

// replaceWait bounds how long set_pos waits for a stopped slew to let go.
const replaceWait = time.Second

func rprtOf(err error) int {
	switch motion.CodeOf(err) {
	case motion.CodeOK:
		return rprtOK
	case motion.CodeBusy:
		return rprtBUSBUSY
	case motion.CodeTimeout:
		return rprtETIMEOUT
	case motion.CodeUnsupported:
		return rprtENIMPL
	case motion.CodeConnectionError:
		return rprtEIO
	case motion.CodeInvalidTransition, motion.CodeUnsafeTarget, motion.CodeAborted:
		return rprtERJCTED
	}
	return rprtEIO
}

// ListenRotctld serves the hamlib rotctld protocol for one device until ctx
// ends.
func (s *Server) ListenRotctld(ctx context.Context, addr, name string) error {
	c, err := s.controller(name)
	if err != nil {
		return err
	}
	if !c.Capabilities().Horizontal {
		return fmt.Errorf("rotctld: device %q has no horizontal axes", name)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log := s.log.With("component", "rotctld", "device", name)
	log.Info("listening", "addr", ln.Addr().String())
	return s.serveRotctld(ctx, ln, c, log)
}

func (s *Server) serveRotctld(ctx context.Context, ln net.Listener, c *motion.Controller, log *logging.Logger) error {
	go func() {
		<-ctx.Done()
		log.Info("shutdown; closing rotctld socket")
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warn("failed to accept", "error", err)
			continue
		}
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		go s.handleRotctld(conn, c, log.With("remote", conn.RemoteAddr().String()))
	}
}

// background starts op on the server context and returns its error if it
// fails within earlyErrorWait.
func (s *Server) background(op func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	go func() { errc <- op(s.ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(earlyErrorWait):
		return nil
	}
}

func (s *Server) handleRotctld(conn io.ReadWriteCloser, c *motion.Controller, log *logging.Logger) {
	defer conn.Close()
	log.Info("accepted connection")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd[2:])
			if len(parts) == 0 {
				continue
			}
			cmd = parts[0]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = cmd[:1]
		}
		log.Debug("command", "cmd", cmd, "args", args)
		rprt := rprtOK
		switch cmd {
		case "q", "Q", "quit":
			return
		case "_", "get_info":
			fmt.Fprintf(conn, "%s\n", c.Name())
		case "1", "dump_caps":
			canPark := "N"
			if c.Capabilities().HasPark {
				canPark = "Y"
			}
			fmt.Fprintf(conn, `Model name: %s
Mfg name: mount_interface
Rot type: Az-El
Min Azimuth: -180.00
Max Azimuth: 180.00
Min Elevation: 0.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: %s
Can Reset: Y
Can Move: N
Can get Info: Y
`, c.Name(), canPark)
		case "S", "stop":
			extended = true // always print RPRT
			rprt = rprtOf(c.Stop(s.ctx))
		case "K", "park":
			extended = true
			rprt = rprtOf(s.background(c.Park))
		case "R", "reset":
			extended = true
			rprt = rprtOf(c.Reset(s.ctx))
		case "P", "set_pos":
			extended = true
			if len(args) != 2 {
				rprt = rprtEINVAL
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtEINVAL
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil || el < -90 || el > 90 {
				rprt = rprtEINVAL
				break
			}
			// A new position replaces a slew in progress.
			stopped := c.Status() == motion.StatusSlewing
			if stopped {
				if err := c.Stop(s.ctx); err != nil {
					rprt = rprtOf(err)
					break
				}
			}
			target := transform.Horizontal{Alt: el, Az: transform.Wrap360(az)}
			rprt = rprtOf(s.background(func(ctx context.Context) error {
				// The aborted slew may still hold the device briefly.
				deadline := time.Now().Add(replaceWait)
				for {
					err := c.SlewToHorizontal(ctx, target)
					if !stopped || !errors.Is(err, motion.ErrBusy) || time.Now().After(deadline) {
						return err
					}
					if err := motion.Sleep(ctx, 5*time.Millisecond); err != nil {
						return err
					}
				}
			}))
		case "M", "move":
			extended = true
			rprt = rprtENIMPL
		case "p", "get_pos":
			pos, err := c.Position(s.ctx)
			if err != nil {
				rprt = rprtOf(err)
				break
			}
			if pos.Live.Horizontal == nil {
				rprt = rprtENIMPL
				break
			}
			az, el := pos.Live.Horizontal.Az, pos.Live.Horizontal.Alt
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, el)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, el)
			}
		default:
			rprt = rprtEINVAL
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Info("reading", "error", err)
	}
}
