// Package telemetry fans status changes and finished operations out to
// metrics, time series, MQTT and an on-disk journal.
package telemetry

import (
	"time"

	"github.com/w1xm/mount_interface/motion"
)

// StatusChange is one transition of a device's motion status.
type StatusChange struct {
	Time   time.Time     `json:"time" cbor:"time"`
	Device string        `json:"device" cbor:"device"`
	Prev   motion.Status `json:"prev" cbor:"prev"`
	Status motion.Status `json:"status" cbor:"status"`
}

// Recorder receives telemetry. Both methods are called synchronously from
// the motion core and must not block.
type Recorder interface {
	RecordStatus(change StatusChange)
	RecordOperation(op motion.Operation)
}

// Attach registers recorders on c.
func Attach(c *motion.Controller, recorders ...Recorder) {
	c.AddStatusHandler(func(device string, prev, next motion.Status) {
		change := StatusChange{Time: time.Now(), Device: device, Prev: prev, Status: next}
		for _, r := range recorders {
			r.RecordStatus(change)
		}
	})
	c.AddOperationHandler(func(op motion.Operation) {
		for _, r := range recorders {
			r.RecordOperation(op)
		}
	})
}
