package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
)

// Command mirrors the request accepted by mountd.
type Command struct {
	ID       string  `json:"id,omitempty"`
	Device   string  `json:"device,omitempty"`
	Command  string  `json:"command"`
	Frame    string  `json:"frame,omitempty"`
	RA       float64 `json:"ra,omitempty"`
	Dec      float64 `json:"dec,omitempty"`
	Alt      float64 `json:"alt,omitempty"`
	Az       float64 `json:"az,omitempty"`
	Track    bool    `json:"track,omitempty"`
	D1       float64 `json:"d1,omitempty"`
	D2       float64 `json:"d2,omitempty"`
	Position float64 `json:"position,omitempty"`
}

// Message mirrors the messages sent by mountd.
type Message struct {
	Type   string          `json:"type"`
	Device string          `json:"device"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
}

// Console reads commands from the terminal and prints device updates.
type Console struct {
	conn   *websocket.Conn
	rl     *readline.Instance
	nextID atomic.Int64
	// watch enables position output.
	watch atomic.Bool

	mu      sync.Mutex
	devices map[string]json.RawMessage
}

func NewConsole(conn *websocket.Conn) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mount> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("devices"),
			readline.PcItem("init"),
			readline.PcItem("park"),
			readline.PcItem("stop"),
			readline.PcItem("reset"),
			readline.PcItem("slew", readline.PcItem("eq"), readline.PcItem("hor")),
			readline.PcItem("offset"),
			readline.PcItem("move"),
			readline.PcItem("watch", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{conn: conn, rl: rl, devices: map[string]json.RawMessage{}}, nil
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	go func() {
		defer cancel()
		for {
			var msg Message
			if err := c.conn.ReadJSON(&msg); err != nil {
				fmt.Fprintf(c.rl.Stderr(), "connection closed: %v\n", err)
				return
			}
			c.handle(c.rl.Stdout(), msg)
		}
	}()
	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	c.printHelp()
	for ctx.Err() == nil {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err != nil {
			cancel()
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "help", "?":
			c.printHelp()
		case "quit", "exit", "q":
			cancel()
			return
		case "devices":
			c.printDevices(c.rl.Stdout())
		case "watch":
			c.watch.Store(len(args) < 2 || args[1] != "off")
		default:
			cmd, err := parseCommand(args)
			if err != nil {
				fmt.Fprintln(c.rl.Stderr(), err)
				continue
			}
			cmd.ID = strconv.FormatInt(c.nextID.Add(1), 10)
			if err := c.conn.WriteJSON(cmd); err != nil {
				fmt.Fprintf(c.rl.Stderr(), "sending: %v\n", err)
				cancel()
				return
			}
			fmt.Fprintf(c.rl.Stdout(), "[%s] sent %s %s\n", cmd.ID, cmd.Command, cmd.Device)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.rl.Stdout(), `Commands:
  devices                          - list devices
  init|park|stop|reset <device>    - run an operation
  slew <device> eq <ra> <dec> [track]
  slew <device> hor <alt> <az>     - slew to a target (degrees)
  offset <device> <d1> <d2>        - apply a pointing offset
  move <device> <position>         - move a focuser (mm)
  watch on|off                     - print positions
  quit
`)
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

// parseCommand turns console input into a Command.
func parseCommand(args []string) (Command, error) {
	if len(args) < 2 {
		return Command{}, fmt.Errorf("usage: %s <device> ...", args[0])
	}
	cmd := Command{Command: args[0], Device: args[1]}
	rest := args[2:]
	switch cmd.Command {
	case "init", "park", "stop", "reset":
		if len(rest) != 0 {
			return Command{}, fmt.Errorf("usage: %s <device>", cmd.Command)
		}
	case "offset":
		v, err := parseFloats(rest)
		if err != nil {
			return Command{}, err
		}
		if len(v) != 2 {
			return Command{}, fmt.Errorf("usage: offset <device> <d1> <d2>")
		}
		cmd.D1, cmd.D2 = v[0], v[1]
	case "move":
		v, err := parseFloats(rest)
		if err != nil {
			return Command{}, err
		}
		if len(v) != 1 {
			return Command{}, fmt.Errorf("usage: move <device> <position>")
		}
		cmd.Position = v[0]
	case "slew":
		if len(rest) == 0 {
			return Command{}, fmt.Errorf("usage: slew <device> eq|hor ...")
		}
		frame, rest := rest[0], rest[1:]
		track := len(rest) == 3 && rest[2] == "track"
		if track {
			rest = rest[:2]
		}
		v, err := parseFloats(rest)
		if err != nil {
			return Command{}, err
		}
		if len(v) != 2 {
			return Command{}, fmt.Errorf("usage: slew <device> %s <a> <b>", frame)
		}
		switch frame {
		case "eq", "equatorial":
			cmd.Frame, cmd.RA, cmd.Dec, cmd.Track = "equatorial", v[0], v[1], track
		case "hor", "horizontal":
			if track {
				return Command{}, fmt.Errorf("horizontal targets cannot be tracked")
			}
			cmd.Frame, cmd.Alt, cmd.Az = "horizontal", v[0], v[1]
		default:
			return Command{}, fmt.Errorf("unknown frame %q", frame)
		}
	default:
		return Command{}, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd.Command)
	}
	return cmd, nil
}

type deviceSummary struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Status string `json:"status"`
}

func (c *Console) handle(w io.Writer, msg Message) {
	switch msg.Type {
	case "devices":
		var list []json.RawMessage
		if err := json.Unmarshal(msg.Data, &list); err != nil {
			fmt.Fprintf(w, "bad device list: %v\n", err)
			return
		}
		c.mu.Lock()
		for _, raw := range list {
			var d deviceSummary
			if json.Unmarshal(raw, &d) == nil {
				c.devices[d.Name] = raw
			}
		}
		c.mu.Unlock()
		c.printDevices(w)
	case "status":
		var change struct{ Prev, Status string }
		_ = json.Unmarshal(msg.Data, &change)
		c.mu.Lock()
		if raw, ok := c.devices[msg.Device]; ok {
			var d map[string]any
			if json.Unmarshal(raw, &d) == nil {
				d["status"] = change.Status
				c.devices[msg.Device], _ = json.Marshal(d)
			}
		}
		c.mu.Unlock()
		fmt.Fprintf(w, "%s: %s -> %s\n", msg.Device, change.Prev, change.Status)
	case "result":
		var res struct{ Code, Error string }
		_ = json.Unmarshal(msg.Data, &res)
		if res.Error != "" {
			fmt.Fprintf(w, "[%s] %s: %s: %s\n", msg.ID, msg.Device, res.Code, res.Error)
		} else {
			fmt.Fprintf(w, "[%s] %s: %s\n", msg.ID, msg.Device, res.Code)
		}
	case "position":
		if c.watch.Load() {
			fmt.Fprintf(w, "%s: %s\n", msg.Device, formatPosition(msg.Data))
		}
	}
}

// formatPosition renders the live coordinates of a position message.
func formatPosition(data json.RawMessage) string {
	var pos struct {
		Live struct {
			Equatorial *struct{ RA, Dec float64 } `json:"equatorial"`
			Horizontal *struct{ Alt, Az float64 } `json:"horizontal"`
			Linear     *float64                   `json:"linear"`
		} `json:"live"`
	}
	if err := json.Unmarshal(data, &pos); err != nil {
		return "?"
	}
	var parts []string
	if eq := pos.Live.Equatorial; eq != nil {
		parts = append(parts, fmt.Sprintf("ra=%.4f dec=%.4f", eq.RA, eq.Dec))
	}
	if hor := pos.Live.Horizontal; hor != nil {
		parts = append(parts, fmt.Sprintf("alt=%.4f az=%.4f", hor.Alt, hor.Az))
	}
	if l := pos.Live.Linear; l != nil {
		parts = append(parts, fmt.Sprintf("pos=%.4f", *l))
	}
	return strings.Join(parts, " ")
}

func (c *Console) printDevices(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDRIVER\tSTATUS")
	for _, name := range names {
		var d deviceSummary
		_ = json.Unmarshal(c.devices[name], &d)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Driver, d.Status)
	}
	tw.Flush()
}
