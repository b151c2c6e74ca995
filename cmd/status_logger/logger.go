// Command status_logger records the positions and raw driver reports
// streamed by mountd into InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/w1xm/mount_interface/internal/logging"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := logging.New(logging.Config{Level: getenv("LOG_LEVEL", "info"), Format: "json"})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client := influxdb2.NewClient(getenv("INFLUX_SERVER", "http://localhost:8086"), os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeAPI := client.WriteAPI(getenv("INFLUX_ORG", "w1xm"), getenv("INFLUX_BUCKET", "mount.raw"))
	defer writeAPI.Flush()
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("write error", "error", err)
		}
	}()

	url := getenv("MOUNTD_ADDRESS", "ws://localhost:8080/api/ws")
	for ctx.Err() == nil {
		if err := logData(ctx, url, writeAPI); err != nil && ctx.Err() == nil {
			log.Warn("logging", "url", url, "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// flatten stores each leaf of v in fields under its dotted path.
func flatten(fields map[string]interface{}, v interface{}, prefix string) {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, e := range v {
			flatten(fields, e, prefix+"."+k)
		}
	case []interface{}:
		for k, e := range v {
			flatten(fields, e, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		if prefix == "" {
			fields["value"] = v
			return
		}
		fields[prefix[1:]] = v
	}
}

type message struct {
	Type   string      `json:"type"`
	Device string      `json:"device"`
	Data   interface{} `json:"data"`
}

// measurements maps message types to the measurement they are stored in.
var measurements = map[string]string{
	"position": "mount.position",
	"driver":   "mount.driver",
}

// pointFor converts msg into a point, or returns nil for messages that are
// not logged.
func pointFor(msg message, now time.Time) *write.Point {
	name, ok := measurements[msg.Type]
	if !ok || msg.Device == "" {
		return nil
	}
	fields := make(map[string]interface{})
	flatten(fields, msg.Data, "")
	if len(fields) == 0 {
		return nil
	}
	return influxdb2.NewPoint(name, map[string]string{"device": msg.Device}, fields, now)
}

func logData(ctx context.Context, url string, writeAPI api.WriteAPI) error {
	defer writeAPI.Flush()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if p := pointFor(msg, time.Now()); p != nil {
			// write asynchronously
			writeAPI.WritePoint(p)
		}
	}
}
