// Package config loads the daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/telemetry"
	"github.com/w1xm/mount_interface/transform"
)

// Drivers.
const (
	DriverSim      = "sim"
	DriverAlpaca   = "alpaca"
	DriverEasyComm = "easycomm"
	DriverRCI      = "rci"
	DriverDome     = "dome"
)

// Device kinds, for drivers that serve more than one.
const (
	KindTelescope = "telescope"
	KindRotator   = "rotator"
	KindFocuser   = "focuser"
	KindDome      = "dome"
)

type Config struct {
	// Site enables frame conversions. Without it devices can only be
	// driven in their native frame.
	Site     *SiteConfig    `yaml:"site"`
	Logging  logging.Config `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
	Devices  []DeviceConfig `yaml:"devices"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Journal  JournalConfig  `yaml:"journal"`
	History  HistoryConfig  `yaml:"history"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type SiteConfig struct {
	Name               string `yaml:"name"`
	transform.Location `yaml:",inline"`
}

type APIConfig struct {
	// Listen is the HTTP address of the JSON API, websocket and metrics.
	Listen string `yaml:"listen"`
	// Rotctld is the address of the hamlib rotctld front-end. Empty disables it.
	Rotctld string `yaml:"rotctld"`
	// RotctldDevice is the device driven by rotctld clients. Defaults to
	// the first device.
	RotctldDevice string `yaml:"rotctld_device"`
	// Static is a directory served at /.
	Static string `yaml:"static"`
}

type DeviceConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
	// Kind selects the device type for the sim and alpaca drivers.
	Kind string `yaml:"kind"`
	// Address is a URL for alpaca and dome over HTTP, host:port for
	// easycomm, or a serial port for rci and dome.
	Address      string `yaml:"address"`
	DeviceNumber int    `yaml:"device_number"`
	Baud         int    `yaml:"baud"`
	SlaveID      byte   `yaml:"slave_id"`
	Password     string `yaml:"password"`
	// AltAz marks an alpaca telescope that accepts Alt/Az slews.
	AltAz bool `yaml:"alt_az"`
	// StepSize is the alpaca focuser step in microns. Zero asks the device.
	StepSize float64 `yaml:"step_size"`
	// AcceptableShutdowns are rci shutdown codes cleared automatically.
	AcceptableShutdowns []uint8 `yaml:"acceptable_shutdowns"`
	// Tolerance is the pointing error in degrees at which a move is complete.
	Tolerance float64 `yaml:"tolerance"`

	// AsyncSlew overrides whether slews return before the move completes.
	AsyncSlew           *bool                 `yaml:"async_slew"`
	AzimuthOriginOffset float64               `yaml:"azimuth_origin_offset"`
	PollInterval        time.Duration         `yaml:"poll_interval"`
	Timeout             time.Duration         `yaml:"timeout"`
	SettleTime          time.Duration         `yaml:"settle_time"`
	TrackInterval       time.Duration         `yaml:"track_interval"`
	ClearOffsetOnStop   bool                  `yaml:"clear_offset_on_stop"`
	InitPosition        *transform.Horizontal `yaml:"init_position"`
	ParkPosition        *transform.Horizontal `yaml:"park_position"`
	// SunAvoidance is the minimum distance from the Sun in degrees. Zero disables it.
	// Nonzero values need mountd built with -tags novas and JPLEPH set at runtime.
	SunAvoidance float64 `yaml:"sun_avoidance"`
}

type InfluxDBConfig struct {
	Enabled                bool `yaml:"enabled"`
	telemetry.InfluxConfig `yaml:",inline"`
}

type MQTTConfig struct {
	Enabled              bool `yaml:"enabled"`
	telemetry.MQTTConfig `yaml:",inline"`
}

type JournalConfig struct {
	// Path of the CBOR journal. Empty disables it.
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	// Path of the SQLite database. Empty disables it.
	Path string `yaml:"path"`
}

type TracingConfig struct {
	// Enabled exports spans to stdout.
	Enabled bool `yaml:"enabled"`
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Logging: logging.Config{Level: "info", Format: "json", Output: "stdout"},
		API:     APIConfig{Listen: ":8080"},
	}
}

// applyEnvOverrides applies MOUNT_SECTION_KEY variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MOUNT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MOUNT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MOUNT_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("MOUNT_API_ROTCTLD"); v != "" {
		cfg.API.Rotctld = v
	}
	if v := os.Getenv("MOUNT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("MOUNT_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("MOUNT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("MOUNT_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	for _, env := range []struct {
		name string
		dst  func(*SiteConfig) *float64
	}{
		{"MOUNT_SITE_LATITUDE", func(s *SiteConfig) *float64 { return &s.Latitude }},
		{"MOUNT_SITE_LONGITUDE", func(s *SiteConfig) *float64 { return &s.Longitude }},
	} {
		v := os.Getenv(env.name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", env.name, err)
		}
		if cfg.Site == nil {
			cfg.Site = &SiteConfig{}
		}
		*env.dst(cfg.Site) = f
	}
	return nil
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs error
	if c.Site != nil {
		if c.Site.Latitude < -90 || c.Site.Latitude > 90 {
			errs = multierr.Append(errs, fmt.Errorf("site.latitude %v out of range", c.Site.Latitude))
		}
		if c.Site.Longitude < -180 || c.Site.Longitude > 180 {
			errs = multierr.Append(errs, fmt.Errorf("site.longitude %v out of range", c.Site.Longitude))
		}
	}
	if c.API.Listen == "" {
		errs = multierr.Append(errs, fmt.Errorf("api.listen is required"))
	}
	if len(c.Devices) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no devices configured"))
	}
	names := map[string]bool{}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("devices[%d]: name is required", i))
		} else if names[d.Name] {
			errs = multierr.Append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name))
		}
		names[d.Name] = true
		if err := d.validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("device %q: %w", d.Name, err))
		}
	}
	if c.API.RotctldDevice != "" && !names[c.API.RotctldDevice] {
		errs = multierr.Append(errs, fmt.Errorf("api.rotctld_device %q is not configured", c.API.RotctldDevice))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = multierr.Append(errs, fmt.Errorf("influxdb: url, org and bucket are required"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = multierr.Append(errs, fmt.Errorf("mqtt.broker is required"))
	}
	return errs
}

func (d *DeviceConfig) validate() error {
	var errs error
	switch d.Driver {
	case DriverSim:
		switch d.Kind {
		case KindTelescope, KindRotator, KindFocuser, KindDome:
		default:
			errs = multierr.Append(errs, fmt.Errorf("unknown sim kind %q", d.Kind))
		}
	case DriverAlpaca:
		switch d.Kind {
		case KindTelescope, KindFocuser, KindDome:
		default:
			errs = multierr.Append(errs, fmt.Errorf("unknown alpaca kind %q", d.Kind))
		}
		fallthrough
	case DriverEasyComm, DriverRCI, DriverDome:
		if d.Address == "" {
			errs = multierr.Append(errs, fmt.Errorf("address is required for driver %s", d.Driver))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown driver %q", d.Driver))
	}
	for _, v := range []struct {
		name string
		d    time.Duration
	}{
		{"poll_interval", d.PollInterval},
		{"timeout", d.Timeout},
		{"settle_time", d.SettleTime},
		{"track_interval", d.TrackInterval},
	} {
		if v.d < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", v.name))
		}
	}
	if d.SunAvoidance < 0 || d.SunAvoidance > 90 {
		errs = multierr.Append(errs, fmt.Errorf("sun_avoidance %v out of range", d.SunAvoidance))
	}
	for name, p := range map[string]*transform.Horizontal{"init_position": d.InitPosition, "park_position": d.ParkPosition} {
		if p != nil && (p.Alt < -90 || p.Alt > 90) {
			errs = multierr.Append(errs, fmt.Errorf("%s altitude %v out of range", name, p.Alt))
		}
	}
	return errs
}

// Location returns the site location, or nil without a site.
func (c *Config) Location() *transform.Location {
	if c.Site == nil {
		return nil
	}
	loc := c.Site.Location
	return &loc
}

// Motion returns the motion settings of d.
func (d DeviceConfig) Motion(loc *transform.Location) motion.Config {
	return motion.Config{
		PollInterval:      d.PollInterval,
		Timeout:           d.Timeout,
		SettleTime:        d.SettleTime,
		TrackInterval:     d.TrackInterval,
		ClearOffsetOnStop: d.ClearOffsetOnStop,
		InitPosition:      d.InitPosition,
		ParkPosition:      d.ParkPosition,
		Location:          loc,
		SunAvoidance:      d.SunAvoidance,
	}
}

// Session returns the session options of d.
func (d DeviceConfig) Session() device.Options {
	return device.Options{
		AzimuthOriginOffset: d.AzimuthOriginOffset,
		SyncSlew:            d.AsyncSlew != nil && !*d.AsyncSlew,
	}
}
