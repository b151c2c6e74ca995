package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/history"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/transform"
)

// codeBadRequest is returned for malformed commands.
const codeBadRequest motion.Code = "BAD_REQUEST"

var errUnknownDevice = errors.New("unknown device")

type Server struct {
	// ctx bounds operations started by websocket and rotctld clients.
	ctx     context.Context
	names   []string
	devices *xsync.MapOf[string, *entry]
	history *history.Store
	hub     *hub
	log     *logging.Logger
}

type entry struct {
	c      *motion.Controller
	driver string
}

func NewServer(ctx context.Context, log *logging.Logger) *Server {
	return &Server{
		ctx:     ctx,
		devices: xsync.NewMapOf[string, *entry](),
		hub:     newHub(log),
		log:     log,
	}
}

// Add registers c and forwards its status changes to websocket clients.
func (s *Server) Add(c *motion.Controller, driver string) {
	s.names = append(s.names, c.Name())
	s.devices.Store(c.Name(), &entry{c: c, driver: driver})
	c.AddStatusHandler(func(device string, prev, next motion.Status) {
		s.hub.broadcast(Message{Type: TypeStatus, Device: device, Data: map[string]motion.Status{"prev": prev, "status": next}})
	})
}

// DriverStatus returns a callback forwarding raw driver reports for name.
func (s *Server) DriverStatus(name string) func(any) {
	return func(status any) {
		s.hub.broadcast(Message{Type: TypeDriver, Device: name, Data: status})
	}
}

func (s *Server) controller(name string) (*motion.Controller, error) {
	e, ok := s.devices.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownDevice, name)
	}
	return e.c, nil
}

// DeviceInfo is the externally visible state of a device.
type DeviceInfo struct {
	Name             string              `json:"name"`
	Driver           string              `json:"driver"`
	Status           motion.Status       `json:"status"`
	Capabilities     device.Capabilities `json:"capabilities"`
	Offset           motion.Offset       `json:"offset"`
	Target           *motion.Target      `json:"target,omitempty"`
	SoftwareTracking bool                `json:"software_tracking"`
	Position         *motion.Position    `json:"position,omitempty"`
	PositionError    string              `json:"position_error,omitempty"`
}

func (s *Server) info(ctx context.Context, name string, withPosition bool) (DeviceInfo, error) {
	e, ok := s.devices.Load(name)
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%w %q", errUnknownDevice, name)
	}
	c := e.c
	info := DeviceInfo{
		Name:             name,
		Driver:           e.driver,
		Status:           c.Status(),
		Capabilities:     c.Capabilities(),
		Offset:           c.Offset(),
		SoftwareTracking: c.SoftwareTracking(),
	}
	if t, ok := c.Target(); ok {
		info.Target = &t
	}
	if withPosition {
		pos, err := c.Position(ctx)
		if err != nil {
			info.PositionError = err.Error()
		} else {
			info.Position = &pos
		}
	}
	return info, nil
}

func (s *Server) infos(ctx context.Context) []DeviceInfo {
	infos := make([]DeviceInfo, 0, len(s.names))
	for _, name := range s.names {
		if info, err := s.info(ctx, name, false); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// Command is a motion request. Which fields are used depends on Command.
type Command struct {
	ID      string  `json:"id,omitempty"`
	Device  string  `json:"device,omitempty"`
	Command string  `json:"command"`
	Frame   string  `json:"frame,omitempty"`
	RA      float64 `json:"ra,omitempty"`
	Dec     float64 `json:"dec,omitempty"`
	Alt     float64 `json:"alt,omitempty"`
	Az      float64 `json:"az,omitempty"`
	Track   bool    `json:"track,omitempty"`
	D1      float64 `json:"d1,omitempty"`
	D2      float64 `json:"d2,omitempty"`
	// Position is the focuser target.
	Position float64 `json:"position,omitempty"`
}

// Result reports the outcome of a Command.
type Result struct {
	Code  motion.Code `json:"code"`
	Error string      `json:"error,omitempty"`
}

type badRequest struct{ error }

func resultOf(err error) Result {
	if err == nil {
		return Result{Code: motion.CodeOK}
	}
	var br badRequest
	if errors.As(err, &br) || errors.Is(err, errUnknownDevice) {
		return Result{Code: codeBadRequest, Error: err.Error()}
	}
	return Result{Code: motion.CodeOf(err), Error: err.Error()}
}

// Execute runs cmd and waits for it to finish.
func (s *Server) Execute(ctx context.Context, cmd Command) error {
	c, err := s.controller(cmd.Device)
	if err != nil {
		return err
	}
	switch cmd.Command {
	case "init":
		return c.Init(ctx)
	case "park":
		return c.Park(ctx)
	case "stop":
		return c.Stop(ctx)
	case "reset":
		return c.Reset(ctx)
	case "offset":
		return c.SetOffset(ctx, cmd.D1, cmd.D2)
	case "move":
		return c.MoveLinear(ctx, cmd.Position)
	case "slew":
		switch motion.Frame(cmd.Frame) {
		case motion.FrameEquatorial:
			if cmd.Dec < -90 || cmd.Dec > 90 {
				return badRequest{fmt.Errorf("declination %v out of range", cmd.Dec)}
			}
			return c.SlewToEquatorial(ctx, transform.Equatorial{RA: cmd.RA, Dec: cmd.Dec}, cmd.Track)
		case motion.FrameHorizontal:
			if cmd.Alt < -90 || cmd.Alt > 90 {
				return badRequest{fmt.Errorf("altitude %v out of range", cmd.Alt)}
			}
			return c.SlewToHorizontal(ctx, transform.Horizontal{Alt: cmd.Alt, Az: cmd.Az})
		}
		return badRequest{fmt.Errorf("unknown frame %q", cmd.Frame)}
	}
	return badRequest{fmt.Errorf("unknown command %q", cmd.Command)}
}

func httpStatus(code motion.Code) int {
	switch code {
	case motion.CodeOK:
		return http.StatusOK
	case codeBadRequest:
		return http.StatusBadRequest
	case motion.CodeBusy, motion.CodeInvalidTransition, motion.CodeAborted:
		return http.StatusConflict
	case motion.CodeUnsupported:
		return http.StatusNotImplemented
	case motion.CodeUnsafeTarget:
		return http.StatusUnprocessableEntity
	case motion.CodeTimeout:
		return http.StatusGatewayTimeout
	case motion.CodeConnectionError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response", "error", err)
	}
}

func (s *Server) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.infos(r.Context()))
}

func (s *Server) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.info(r.Context(), mux.Vars(r)["name"], true)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, resultOf(err))
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	name := mux.Vars(r)["name"]
	if _, err := s.controller(name); err != nil {
		s.writeJSON(w, http.StatusNotFound, resultOf(err))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.history.List(r.Context(), name, limit)
	if err != nil {
		s.log.Error("listing history", "device", name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ops)
}

// CommandHandler runs the command named in the path. The operation is
// bound to the request: if the client goes away, it is aborted.
func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var cmd Command
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			s.writeJSON(w, http.StatusBadRequest, Result{Code: codeBadRequest, Error: err.Error()})
			return
		}
	}
	cmd.Device, cmd.Command = vars["name"], vars["command"]
	if _, err := s.controller(cmd.Device); err != nil {
		s.writeJSON(w, http.StatusNotFound, resultOf(err))
		return
	}
	res := resultOf(s.Execute(r.Context(), cmd))
	s.writeJSON(w, httpStatus(res.Code), res)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// StatusSocketHandler streams device updates and accepts Commands. Each
// command runs in the background and is answered with a result message.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrading websocket", "error", err)
		return
	}
	log := s.log.With("remote", r.RemoteAddr)
	log.Info("websocket connected")
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info("websocket closed", "error", err)
				}
				return
			}
			go func() {
				// Operations outlive the socket so a dropped client does not stop the mount.
				res := resultOf(s.Execute(s.ctx, cmd))
				s.send(sub, Message{Type: TypeResult, Device: cmd.Device, ID: cmd.ID, Data: res})
			}()
		}
	}()

	send := func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	first, err := json.Marshal(Message{Type: TypeDevices, Data: s.infos(ctx)})
	if err == nil {
		err = send(first)
	}
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for err == nil {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case data := <-sub.ch:
			err = send(data)
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
	log.Info("websocket write failed", "error", err)
	conn.Close()
}

// send queues msg for one subscriber.
func (s *Server) send(sub *subscriber, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encoding message", "error", err)
		return
	}
	select {
	case sub.ch <- data:
	default:
		sub.dropped.Add(1)
	}
}

// BroadcastPositions sends the position of every device every interval
// until ctx ends. Devices whose position cannot be read are skipped.
func (s *Server) BroadcastPositions(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if s.hub.subs.Size() == 0 {
			continue
		}
		for _, name := range s.names {
			c, err := s.controller(name)
			if err != nil || c.Status() == motion.StatusError {
				continue
			}
			readCtx, cancel := context.WithTimeout(ctx, interval)
			pos, err := c.Position(readCtx)
			cancel()
			if err != nil {
				continue
			}
			s.hub.broadcast(Message{Type: TypePosition, Device: name, Data: pos})
		}
	}
}

// Router returns the HTTP routes.
func (s *Server) Router(staticDir string, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.DevicesHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}", s.DeviceHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/history", s.HistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/{command:init|park|stop|reset|slew|offset|move}", s.CommandHandler).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}
