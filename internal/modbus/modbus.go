// Package modbus wraps a goburrow Modbus client with a polling reconnect
// loop over either a local RTU serial line or a remote modbushttp bridge.
package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection
	URL string
	// Password is sent to the remote bridge.
	Password string
	// PollInterval is the pause between polls. Zero polls back to back.
	PollInterval time.Duration
	// RetryInterval is the pause before reconnecting. Defaults to 1s.
	RetryInterval time.Duration
	Log           *logging.Logger

	// Poll function to be called in a loop while the connection is active
	Poll func() error

	handler modbusHandler
	// Client is built from Port or URL by Connect unless already set.
	modbus.Client

	mu        sync.Mutex
	connected bool
	ready     chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// Connect starts the reconnect loop. It returns once the first poll has
// succeeded or ctx ends; the loop keeps running until Close.
func (c *Client) Connect(ctx context.Context) error {
	if c.Log == nil {
		c.Log = logging.Discard()
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.Client == nil {
		if c.URL != "" {
			handler := modbushttp.NewClient(c.URL)
			handler.Password = c.Password
			handler.SlaveId = c.SlaveId
			c.handler = handler
		} else {
			handler := modbus.NewRTUClientHandler(c.Port)
			handler.BaudRate = c.BaudRate
			if handler.BaudRate == 0 {
				handler.BaudRate = 19200
			}
			handler.DataBits = 8
			handler.Parity = "N"
			handler.StopBits = 1
			handler.Timeout = 1 * time.Second
			handler.SlaveId = c.SlaveId
			c.handler = handler
		}
		c.Client = modbus.NewClient(c.handler)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.ready, c.cancel, c.done = ready, cancel, done
	c.mu.Unlock()
	go func() {
		defer close(done)
		c.reconnectLoop(loopCtx)
	}()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// Connected reports whether the last poll succeeded.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the reconnect loop and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		if c.handler != nil {
			if err := c.handler.Connect(); err != nil {
				c.Log.Warn("opening", "port", c.name(), "error", err)
			} else if err := c.watch(ctx); err != nil && ctx.Err() == nil {
				c.Log.Warn("watching", "port", c.name(), "error", err)
			}
		} else if err := c.watch(ctx); err != nil && ctx.Err() == nil {
			c.Log.Warn("watching", "port", c.name(), "error", err)
		}
		c.setConnected(false)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.RetryInterval):
		}
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if connected && c.ready != nil {
		close(c.ready)
		c.ready = nil
	}
}

func (c *Client) watch(ctx context.Context) error {
	if c.handler != nil {
		defer c.handler.Close()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Poll(); err != nil {
			return err
		}
		c.setConnected(true)
		if c.PollInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.PollInterval):
			}
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
