// Command multiscan runs the sensor driver: it binds the UDP scan data port,
// starts the stream over the control channel, and assembles full revolutions,
// logging frame statistics as they arrive.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/config"
	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/multiscan"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/driver"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/frames"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file (optional; flags override)")
	sensorHost  = flag.String("sensor", "", "Sensor IP address or hostname")
	driverHost  = flag.String("driver-host", "", "Local IP the sensor should stream to")
	udpPort     = flag.Int("udp-port", 0, "Scan data UDP port (default 2115)")
	sopasPort   = flag.Int("sopas-port", 0, "Control channel TCP port (default 2111)")
	useMsgpack  = flag.Bool("msgpack", false, "Request msgpack framing instead of compact")
	layoutName  = flag.String("layout", "", "Point field layout: xyz, intensity, range, angular, index, xyztr, all")
	logInterval = flag.Int("log-interval", 5, "Frame statistics logging interval in seconds")
	debug       = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	monitoring.SetDebug(*debug)

	cfg := config.Empty()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Flags override the file.
	if *sensorHost != "" {
		cfg.SensorHostname = sensorHost
	}
	if *driverHost != "" {
		cfg.DriverHostname = driverHost
	}
	if *udpPort != 0 {
		cfg.UDPPort = udpPort
	}
	if *sopasPort != 0 {
		cfg.SopasPort = sopasPort
	}
	if *useMsgpack {
		cfg.UseMsgpack = useMsgpack
	}
	if *layoutName != "" {
		cfg.PointFieldLayout = layoutName
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.GetSensorHostname() == "" {
		log.Fatal("Sensor address is required (-sensor flag or sensor_hostname in config)")
	}
	if cfg.GetDriverHostname() == "" {
		log.Fatal("Driver host is required (-driver-host flag or driver_hostname in config)")
	}

	// Callbacks run on the ingestion goroutine; the stats ticker reads from
	// this one.
	var frameCount, pointCount atomic.Int64
	d, err := driver.New(driver.Options{
		Config: cfg,
		FrameCallback: func(f *frames.Frame) {
			frameCount.Add(1)
			pointCount.Add(int64(f.PointCount))
		},
		ImuCallback: func(sample multiscan.ImuSample, stamp time.Time) {
			monitoring.Debugf("imu: stamp=%s accel=%v gyro=%v", stamp.Format(time.RFC3339Nano),
				sample.Acceleration, sample.AngularVelocity)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create driver: %v", err)
	}

	log.Printf("Starting multiScan driver: sensor=%s udp-port=%d layout=%s stride=%d",
		cfg.GetSensorHostname(), cfg.GetUDPPort(), cfg.GetPointFieldLayout(), d.Layout().Stride())
	d.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(*logInterval) * time.Second)
	defer ticker.Stop()

	var lastFrames, lastPoints int64
	for {
		select {
		case <-ctx.Done():
			log.Print("Shutting down...")
			d.Shutdown()
			log.Printf("Driver stopped: %d frames, %d points total", frameCount.Load(), pointCount.Load())
			return
		case <-ticker.C:
			f, p := frameCount.Load(), pointCount.Load()
			df, dp := f-lastFrames, p-lastPoints
			lastFrames, lastPoints = f, p
			if df > 0 {
				log.Printf("Frame stats (/%ds): %d frames, %d points, state=%s",
					*logInterval, df, dp, d.State())
			} else {
				log.Printf("No frames received (/%ds), state=%s", *logInterval, d.State())
			}
		}
	}
}
