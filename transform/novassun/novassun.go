// Package novassun computes the Sun's position with NOVAS.
//
// Importing this package loads the JPL ephemeris at program start: the
// novas package exits the process if its JPLEPH file is missing. Only
// binaries built with the novas tag import it.
package novassun

import (
	"github.com/pebbe/novas"

	"github.com/w1xm/mount_interface/transform"
)

// Sun returns the Sun's apparent topocentric position without refraction.
func Sun(loc transform.Location) transform.Horizontal {
	place := novas.NewPlace(loc.Latitude, loc.Longitude, loc.Elevation, 10, 1010)
	data := novas.Sun().Topo(novas.Now(), place, novas.REFR_NONE)
	return transform.Horizontal{Alt: data.Alt, Az: transform.Wrap360(data.Az)}
}
