package main

import (
	"fmt"

	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/transform"
)

// ephemeris is the Sun position source for sun avoidance. It is only set in
// builds with the novas tag; see sun_novas.go.
var ephemeris transform.SunFunc

// sunOptions returns the controller options for d's sun avoidance.
func sunOptions(d config.DeviceConfig) ([]motion.Option, error) {
	if d.SunAvoidance <= 0 {
		return nil, nil
	}
	if ephemeris == nil {
		return nil, fmt.Errorf("sun_avoidance needs mountd built with -tags novas")
	}
	return []motion.Option{motion.WithSun(ephemeris)}, nil
}
