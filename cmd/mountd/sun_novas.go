//go:build novas

package main

import "github.com/w1xm/mount_interface/transform/novassun"

func init() {
	ephemeris = novassun.Sun
}
