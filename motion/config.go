package motion

import (
	"time"

	"github.com/w1xm/mount_interface/transform"
)

// Config holds the per-device motion settings.
type Config struct {
	// PollInterval is how often the driver is polled during a move.
	PollInterval time.Duration
	// Timeout bounds every operation. Zero disables the deadline.
	Timeout time.Duration
	// SettleTime is waited after a move completes.
	SettleTime time.Duration
	// TrackInterval is the re-pointing period of software tracking.
	TrackInterval time.Duration
	// ClearOffsetOnStop resets the offset when Stop is called.
	ClearOffsetOnStop bool
	// InitPosition is slewed to by Init when the driver has no Initializer.
	InitPosition *transform.Horizontal
	// ParkPosition is slewed to by Park when the driver has no Parker.
	ParkPosition *transform.Horizontal
	// Location enables conversions between frames. Nil means the device
	// can only be driven in its native frame.
	Location *transform.Location
	// SunAvoidance is the minimum angle to the Sun for sky targets, in degrees.
	SunAvoidance float64
}

const (
	DefaultPollInterval  = time.Second
	DefaultTimeout       = 2 * time.Minute
	DefaultTrackInterval = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TrackInterval <= 0 {
		c.TrackInterval = DefaultTrackInterval
	}
	return c
}
