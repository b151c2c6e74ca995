// Package alpaca drives telescopes, focusers and domes through the ASCOM
// Alpaca REST API.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/w1xm/mount_interface/device"
)

const (
	maxResponseSize = 1 << 20
	defaultTimeout  = 10 * time.Second

	// Alpaca error numbers.
	errNotImplemented = 0x400
	errNotConnected   = 0x407
)

// Error is a non-zero ErrorNumber returned by the device.
type Error struct {
	Number  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("alpaca error 0x%x: %s", e.Number, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case device.ErrUnsupported:
		return e.Number == errNotImplemented
	case device.ErrNotConnected:
		return e.Number == errNotConnected
	}
	return false
}

// Options locate one device on an Alpaca server.
type Options struct {
	// URL is the server root, e.g. http://localhost:11111.
	URL string
	// Number is the device number on the server.
	Number int
	// ClientID identifies this client to the server.
	ClientID uint32
	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

type response struct {
	Value        json.RawMessage
	ErrorNumber  int
	ErrorMessage string
}

// client issues requests for one device.
type client struct {
	base        string
	clientID    uint32
	transaction atomic.Uint32
	http        *http.Client
}

func newClient(kind string, opts Options) *client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &client{
		base:     fmt.Sprintf("%s/api/v1/%s/%d/", strings.TrimRight(opts.URL, "/"), kind, opts.Number),
		clientID: opts.ClientID,
		http:     hc,
	}
}

func (c *client) ids() url.Values {
	v := url.Values{}
	v.Set("ClientID", strconv.FormatUint(uint64(c.clientID), 10))
	v.Set("ClientTransactionID", strconv.FormatUint(uint64(c.transaction.Add(1)), 10))
	return v
}

func (c *client) do(req *http.Request, method string, value any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if r.ErrorNumber != 0 {
		return fmt.Errorf("%s: %w", method, &Error{Number: r.ErrorNumber, Message: r.ErrorMessage})
	}
	if value != nil {
		if err := json.Unmarshal(r.Value, value); err != nil {
			return fmt.Errorf("%s: decoding value: %w", method, err)
		}
	}
	return nil
}

// get reads the property method into value.
func (c *client) get(ctx context.Context, method string, value any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+method+"?"+c.ids().Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, method, value)
}

// put invokes method with params given as name, value pairs.
func (c *client) put(ctx context.Context, method string, params ...any) error {
	form := c.ids()
	for i := 0; i+1 < len(params); i += 2 {
		form.Set(fmt.Sprint(params[i]), formatParam(params[i+1]))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+method, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, method, nil)
}

func formatParam(v any) string {
	switch v := v.(type) {
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func (c *client) getBool(ctx context.Context, method string) (bool, error) {
	var v bool
	err := c.get(ctx, method, &v)
	return v, err
}

func (c *client) getFloat(ctx context.Context, method string) (float64, error) {
	var v float64
	err := c.get(ctx, method, &v)
	return v, err
}

// common implements the methods shared by every device type.
type common struct {
	*client
}

func (d common) Connected(ctx context.Context) (bool, error) {
	return d.getBool(ctx, "connected")
}

func (d common) SetConnected(ctx context.Context, connected bool) error {
	return d.put(ctx, "connected", "Connected", connected)
}

// errIgnore returns nil for errors matching target.
func errIgnore(err, target error) error {
	if errors.Is(err, target) {
		return nil
	}
	return err
}
