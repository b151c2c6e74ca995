package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/history"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/sim"
	"github.com/w1xm/mount_interface/telemetry"
)

const fastRate = 2000

func addDevice(t *testing.T, srv *Server, name string, drv device.Driver) *motion.Controller {
	t.Helper()
	s := device.NewSession(name, drv, device.Options{}, nil)
	c := motion.NewController(s, motion.Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	srv.Add(c, "sim")
	return c
}

// newTestServer serves a rotator and a focuser.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(ctx, logging.Discard())
	addDevice(t, srv, "rotator", sim.NewRotator(sim.Options{Rate: fastRate}))
	addDevice(t, srv, "focuser", sim.NewFocuser(sim.Options{Rate: fastRate}))
	ts := httptest.NewServer(srv.Router("", nil))
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, url string, body any) (int, Result) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestListDevices(t *testing.T) {
	_, ts := newTestServer(t)
	var infos []DeviceInfo
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/devices", &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "rotator", infos[0].Name)
	assert.Equal(t, "sim", infos[0].Driver)
	assert.Equal(t, motion.StatusIdle, infos[0].Status)
	assert.True(t, infos[0].Capabilities.Horizontal)
	assert.Equal(t, "focuser", infos[1].Name)
	assert.True(t, infos[1].Capabilities.Linear)
	assert.Nil(t, infos[0].Position)
}

func TestSlewAndMove(t *testing.T) {
	_, ts := newTestServer(t)

	code, res := post(t, ts.URL+"/api/devices/rotator/slew", Command{Frame: "horizontal", Alt: 45, Az: 90})
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Equal(t, motion.CodeOK, res.Code)

	var info DeviceInfo
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/devices/rotator", &info))
	assert.Equal(t, motion.StatusPositioned, info.Status)
	require.NotNil(t, info.Target)
	assert.Equal(t, motion.FrameHorizontal, info.Target.Frame)
	require.NotNil(t, info.Position)
	require.NotNil(t, info.Position.Live.Horizontal)
	assert.InDelta(t, 45, info.Position.Live.Horizontal.Alt, 1e-6)
	assert.InDelta(t, 90, info.Position.Live.Horizontal.Az, 1e-6)

	code, res = post(t, ts.URL+"/api/devices/focuser/move", Command{Position: 12.5})
	require.Equal(t, http.StatusOK, code, res.Error)
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/devices/focuser", &info))
	require.NotNil(t, info.Position.Live.Linear)
	assert.InDelta(t, 12.5, *info.Position.Live.Linear, 1e-6)

	code, res = post(t, ts.URL+"/api/devices/rotator/stop", nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/devices/rotator", &info))
	assert.Equal(t, motion.StatusIdle, info.Status)
}

func TestCommandErrors(t *testing.T) {
	_, ts := newTestServer(t)
	for _, test := range []struct {
		name   string
		path   string
		cmd    Command
		status int
		code   motion.Code
	}{
		{"unknown device", "/api/devices/nope/stop", Command{}, http.StatusNotFound, codeBadRequest},
		{"unknown frame", "/api/devices/rotator/slew", Command{Frame: "galactic"}, http.StatusBadRequest, codeBadRequest},
		{"altitude out of range", "/api/devices/rotator/slew", Command{Frame: "horizontal", Alt: 100}, http.StatusBadRequest, codeBadRequest},
		{"declination out of range", "/api/devices/rotator/slew", Command{Frame: "equatorial", Dec: -91}, http.StatusBadRequest, codeBadRequest},
		{"focuser has no sky axes", "/api/devices/focuser/slew", Command{Frame: "horizontal", Alt: 10}, http.StatusNotImplemented, motion.CodeUnsupported},
		{"rotator is not linear", "/api/devices/rotator/move", Command{Position: 1}, http.StatusNotImplemented, motion.CodeUnsupported},
	} {
		t.Run(test.name, func(t *testing.T) {
			status, res := post(t, ts.URL+test.path, test.cmd)
			assert.Equal(t, test.status, status)
			assert.Equal(t, test.code, res.Code)
			assert.NotEmpty(t, res.Error)
		})
	}

	resp, err := http.Post(ts.URL+"/api/devices/rotator/slew", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/devices/rotator/fly", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/devices/rotator/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h, err := history.Open(filepath.Join(t.TempDir(), "history.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	srv.history = h
	c, err := srv.controller("rotator")
	require.NoError(t, err)
	telemetry.Attach(c, h)

	code, res := post(t, ts.URL+"/api/devices/rotator/slew", Command{Frame: "horizontal", Alt: 30, Az: 10})
	require.Equal(t, http.StatusOK, code, res.Error)

	var ops []motion.Operation
	require.Eventually(t, func() bool {
		ops = nil
		return getJSON(t, ts.URL+"/api/devices/rotator/history?limit=5", &ops) == http.StatusOK && len(ops) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "slew_horizontal", ops[0].Name)
	assert.Equal(t, "rotator", ops[0].Device)
	assert.Equal(t, motion.CodeOK, ops[0].Code)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawMessage struct {
	Type   string          `json:"type"`
	Device string          `json:"device"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
}

func TestWebsocket(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, TypeDevices, msg.Type)
	var infos []DeviceInfo
	require.NoError(t, json.Unmarshal(msg.Data, &infos))
	assert.Len(t, infos, 2)

	require.NoError(t, conn.WriteJSON(Command{ID: "1", Device: "rotator", Command: "slew", Frame: "horizontal", Alt: 10, Az: 20}))
	var statuses []motion.Status
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == TypeStatus {
			var change map[string]motion.Status
			require.NoError(t, json.Unmarshal(msg.Data, &change))
			statuses = append(statuses, change["status"])
		}
		if msg.Type == TypeResult {
			break
		}
	}
	assert.Equal(t, "1", msg.ID)
	var res Result
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.Equal(t, motion.CodeOK, res.Code)
	assert.Equal(t, []motion.Status{motion.StatusSlewing, motion.StatusPositioned}, statuses)

	require.NoError(t, conn.WriteJSON(Command{ID: "2", Device: "rotator", Command: "dance"}))
	for msg.ID != "2" {
		require.NoError(t, conn.ReadJSON(&msg))
	}
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.Equal(t, codeBadRequest, res.Code)
}

func TestBroadcastPositions(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.BroadcastPositions(ctx, 10*time.Millisecond) }()

	seen := map[string]bool{}
	for len(seen) < 2 {
		var msg rawMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == TypePosition {
			var pos motion.Position
			require.NoError(t, json.Unmarshal(msg.Data, &pos))
			seen[msg.Device] = true
		}
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, Result{Code: motion.CodeOK}, resultOf(nil))
	assert.Equal(t, codeBadRequest, resultOf(badRequest{assert.AnError}).Code)
	assert.Equal(t, motion.CodeBusy, resultOf(motion.ErrBusy).Code)
	assert.Equal(t, http.StatusConflict, httpStatus(motion.CodeBusy))
	assert.Equal(t, http.StatusBadGateway, httpStatus(motion.CodeConnectionError))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(motion.CodeUnknown))
}
