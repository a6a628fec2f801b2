// Package config loads and validates driver configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the root configuration for the multiScan driver.
// Fields are pointers so that partial JSON files are safe: anything omitted
// falls back to the defaults supplied by the Get* accessors. The schema
// mirrors the ROS parameter set of the original sensor integration so
// deployments can carry their parameter files over.
type Config struct {
	// Network endpoints
	SensorHostname *string `json:"sensor_hostname,omitempty"` // lidar IP address
	DriverHostname *string `json:"driver_hostname,omitempty"` // local IP the sensor streams to
	UDPPort        *int    `json:"udp_port,omitempty"`        // scan data UDP port
	SopasPort      *int    `json:"sopas_port,omitempty"`      // control channel TCP port

	// Wire format selection (configured, never auto-detected)
	UseMsgpack    *bool `json:"use_msgpack,omitempty"`     // msgpack framing instead of compact
	UseColaBinary *bool `json:"use_cola_binary,omitempty"` // CoLa-B control telegrams instead of CoLa-A

	// IMU stream
	ImuEnable  *bool `json:"imu_enable,omitempty"`
	ImuUDPPort *int  `json:"imu_udp_port,omitempty"`

	// Timing (duration strings like "2s")
	UDPDropoutResetThresh *string `json:"udp_dropout_reset_thresh,omitempty"` // switch to blocking receive past this
	UDPReceiveTimeout     *string `json:"udp_receive_timeout,omitempty"`      // short polling receive timeout
	SopasReadTimeout      *string `json:"sopas_read_timeout,omitempty"`       // control channel read timeout
	ErrorRestartTimeout   *string `json:"error_restart_timeout,omitempty"`    // backoff between connection attempts

	// Assembly
	MaxSegmentBuffering *int    `json:"max_segment_buffering,omitempty"` // per-segment slot depth
	PointFieldLayout    *string `json:"point_field_layout,omitempty"`    // layout selector, see multiscan.ParseLayoutSpec

	// Socket tuning
	ReceiveBufferSize *int `json:"rcvbuf,omitempty"` // OS receive buffer in bytes
}

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under the max file size. Fields omitted from the JSON retain their
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.UDPPort != nil {
		if *c.UDPPort < 1 || *c.UDPPort > 65535 {
			return fmt.Errorf("udp_port must be in 1..65535, got %d", *c.UDPPort)
		}
	}
	if c.SopasPort != nil {
		if *c.SopasPort < 1 || *c.SopasPort > 65535 {
			return fmt.Errorf("sopas_port must be in 1..65535, got %d", *c.SopasPort)
		}
	}
	if c.MaxSegmentBuffering != nil {
		if *c.MaxSegmentBuffering < 1 {
			return fmt.Errorf("max_segment_buffering must be at least 1, got %d", *c.MaxSegmentBuffering)
		}
	}

	for name, v := range map[string]*string{
		"udp_dropout_reset_thresh": c.UDPDropoutResetThresh,
		"udp_receive_timeout":      c.UDPReceiveTimeout,
		"sopas_read_timeout":       c.SopasReadTimeout,
		"error_restart_timeout":    c.ErrorRestartTimeout,
	} {
		if v != nil && *v != "" {
			d, err := time.ParseDuration(*v)
			if err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
			if d <= 0 {
				return fmt.Errorf("%s must be positive, got %v", name, d)
			}
		}
	}

	return nil
}

// GetSensorHostname returns the sensor_hostname value or the default.
func (c *Config) GetSensorHostname() string {
	if c.SensorHostname == nil {
		return ""
	}
	return *c.SensorHostname
}

// GetDriverHostname returns the driver_hostname value or the default.
func (c *Config) GetDriverHostname() string {
	if c.DriverHostname == nil {
		return ""
	}
	return *c.DriverHostname
}

// GetUDPPort returns the udp_port value or the default.
func (c *Config) GetUDPPort() int {
	if c.UDPPort == nil {
		return 2115
	}
	return *c.UDPPort
}

// GetSopasPort returns the sopas_port value or the default.
func (c *Config) GetSopasPort() int {
	if c.SopasPort == nil {
		return 2111
	}
	return *c.SopasPort
}

// GetUseMsgpack returns the use_msgpack value or the default.
func (c *Config) GetUseMsgpack() bool {
	if c.UseMsgpack == nil {
		return false // compact is the sensor default
	}
	return *c.UseMsgpack
}

// GetUseColaBinary returns the use_cola_binary value or the default.
func (c *Config) GetUseColaBinary() bool {
	if c.UseColaBinary == nil {
		return true
	}
	return *c.UseColaBinary
}

// GetImuEnable returns the imu_enable value or the default.
func (c *Config) GetImuEnable() bool {
	if c.ImuEnable == nil {
		return true
	}
	return *c.ImuEnable
}

// GetImuUDPPort returns the imu_udp_port value or the default.
// The sensor shares the scan data port for IMU datagrams unless told otherwise.
func (c *Config) GetImuUDPPort() int {
	if c.ImuUDPPort == nil {
		return c.GetUDPPort()
	}
	return *c.ImuUDPPort
}

func (c *Config) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetUDPDropoutResetThresh returns the dropout threshold as a duration.
func (c *Config) GetUDPDropoutResetThresh() time.Duration {
	return c.duration(c.UDPDropoutResetThresh, 2*time.Second)
}

// GetUDPReceiveTimeout returns the short receive timeout as a duration.
func (c *Config) GetUDPReceiveTimeout() time.Duration {
	return c.duration(c.UDPReceiveTimeout, 1*time.Second)
}

// GetSopasReadTimeout returns the control channel read timeout as a duration.
func (c *Config) GetSopasReadTimeout() time.Duration {
	return c.duration(c.SopasReadTimeout, 3*time.Second)
}

// GetErrorRestartTimeout returns the restart backoff as a duration.
func (c *Config) GetErrorRestartTimeout() time.Duration {
	return c.duration(c.ErrorRestartTimeout, 3*time.Second)
}

// GetMaxSegmentBuffering returns the per-segment slot depth or the default.
func (c *Config) GetMaxSegmentBuffering() int {
	if c.MaxSegmentBuffering == nil {
		return 3
	}
	return *c.MaxSegmentBuffering
}

// GetPointFieldLayout returns the layout selector string or the default.
func (c *Config) GetPointFieldLayout() string {
	if c.PointFieldLayout == nil {
		return "all"
	}
	return *c.PointFieldLayout
}

// GetReceiveBufferSize returns the OS receive buffer size or the default.
func (c *Config) GetReceiveBufferSize() int {
	if c.ReceiveBufferSize == nil {
		return 4 << 20 // 4MB, matches sensor burst rates comfortably
	}
	return *c.ReceiveBufferSize
}
