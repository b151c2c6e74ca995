package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/transform"
)

func TestSunOptions(t *testing.T) {
	opts, err := sunOptions(config.DeviceConfig{Name: "mount"})
	require.NoError(t, err)
	assert.Empty(t, opts)

	saved := ephemeris
	t.Cleanup(func() { ephemeris = saved })

	ephemeris = nil
	_, err = sunOptions(config.DeviceConfig{Name: "mount", SunAvoidance: 20})
	assert.ErrorContains(t, err, "-tags novas")

	ephemeris = func(transform.Location) transform.Horizontal { return transform.Horizontal{Alt: -10} }
	opts, err = sunOptions(config.DeviceConfig{Name: "mount", SunAvoidance: 20})
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}
