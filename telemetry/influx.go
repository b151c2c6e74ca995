package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
)

var _ Recorder = (*Influx)(nil)

const defaultConnectTimeout = 10 * time.Second

// InfluxConfig locates the InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// BatchSize is the number of points per write. Defaults to 100.
	BatchSize uint `yaml:"batch_size"`
	// FlushInterval is the longest a point is buffered. Defaults to 10s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Influx writes a mount_status point per status change and a
// mount_operation point per finished operation. Writes are batched and
// never block.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// DialInflux connects to InfluxDB and verifies the server is healthy.
func DialInflux(cfg InfluxConfig, log *logging.Logger) (*Influx, error) {
	if cfg.URL == "" {
		return nil, errors.New("influxdb url not set")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging influxdb: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}
	i := newInflux(client.WriteAPI(cfg.Org, cfg.Bucket))
	i.client = client
	if log != nil {
		go func() {
			for err := range i.writeAPI.Errors() {
				log.Warn("writing to influxdb", "error", err)
			}
		}()
	}
	return i, nil
}

func newInflux(writeAPI api.WriteAPI) *Influx {
	return &Influx{writeAPI: writeAPI}
}

func (i *Influx) RecordStatus(change StatusChange) {
	i.writeAPI.WritePoint(write.NewPoint(
		"mount_status",
		map[string]string{"device": change.Device},
		map[string]interface{}{
			"status":       string(change.Status),
			"status_index": change.Status.Index(),
			"prev":         string(change.Prev),
		},
		change.Time,
	))
}

func (i *Influx) RecordOperation(op motion.Operation) {
	i.writeAPI.WritePoint(write.NewPoint(
		"mount_operation",
		map[string]string{"device": op.Device, "op": op.Name, "code": string(op.Code)},
		map[string]interface{}{
			"id":               op.ID,
			"duration_seconds": op.Duration.Seconds(),
		},
		op.Start,
	))
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() error {
	i.writeAPI.Flush()
	if i.client != nil {
		i.client.Close()
	}
	return nil
}
