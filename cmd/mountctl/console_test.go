package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	for _, test := range []struct {
		input   string
		want    Command
		wantErr string
	}{
		{"stop mount", Command{Command: "stop", Device: "mount"}, ""},
		{"park", Command{}, "usage"},
		{"park mount now", Command{}, "usage"},
		{"slew mount eq 83.6 22.0 track", Command{Command: "slew", Device: "mount", Frame: "equatorial", RA: 83.6, Dec: 22, Track: true}, ""},
		{"slew mount eq 83.6 22.0", Command{Command: "slew", Device: "mount", Frame: "equatorial", RA: 83.6, Dec: 22}, ""},
		{"slew rot hor 45 180", Command{Command: "slew", Device: "rot", Frame: "horizontal", Alt: 45, Az: 180}, ""},
		{"slew rot hor 45 180 track", Command{}, "cannot be tracked"},
		{"slew rot gal 1 2", Command{}, "unknown frame"},
		{"slew rot hor 45", Command{}, "usage"},
		{"slew rot", Command{}, "usage"},
		{"offset mount 0.1 -0.2", Command{Command: "offset", Device: "mount", D1: 0.1, D2: -0.2}, ""},
		{"offset mount x 1", Command{}, "invalid number"},
		{"move focuser 12.5", Command{Command: "move", Device: "focuser", Position: 12.5}, ""},
		{"fly mount", Command{}, "unknown command"},
	} {
		t.Run(test.input, func(t *testing.T) {
			got, err := parseCommand(strings.Fields(test.input))
			if test.wantErr != "" {
				assert.ErrorContains(t, err, test.wantErr)
				return
			}
			assert.NoError(t, err)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected command: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	return data
}

func TestHandle(t *testing.T) {
	c := &Console{devices: map[string]json.RawMessage{}}
	var buf bytes.Buffer

	c.handle(&buf, Message{Type: "devices", Data: raw(t, []map[string]any{
		{"name": "rotator", "driver": "easycomm", "status": "IDLE"},
		{"name": "focuser", "driver": "sim", "status": "PARKED"},
	})})
	assert.Equal(t, "NAME     DRIVER    STATUS\nfocuser  sim       PARKED\nrotator  easycomm  IDLE\n", buf.String())

	buf.Reset()
	c.handle(&buf, Message{Type: "status", Device: "rotator", Data: raw(t, map[string]string{"prev": "IDLE", "status": "SLEWING"})})
	assert.Equal(t, "rotator: IDLE -> SLEWING\n", buf.String())
	buf.Reset()
	c.printDevices(&buf)
	assert.Contains(t, buf.String(), "rotator  easycomm  SLEWING")

	buf.Reset()
	c.handle(&buf, Message{Type: "result", Device: "rotator", ID: "3", Data: raw(t, map[string]string{"code": "BUSY", "error": "device busy"})})
	assert.Equal(t, "[3] rotator: BUSY: device busy\n", buf.String())

	pos := raw(t, map[string]any{"live": map[string]any{"horizontal": map[string]float64{"alt": 10, "az": 20}}})
	buf.Reset()
	c.handle(&buf, Message{Type: "position", Device: "rotator", Data: pos})
	assert.Empty(t, buf.String())
	c.watch.Store(true)
	c.handle(&buf, Message{Type: "position", Device: "rotator", Data: pos})
	assert.Equal(t, "rotator: alt=10.0000 az=20.0000\n", buf.String())
}
