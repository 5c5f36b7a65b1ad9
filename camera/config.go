package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	BackendUSB = "usb"
	BackendRPi = "rpi"
)

type DeviceConfig struct {
	Backend string   `mapstructure:"backend"`
	Path    string   `mapstructure:"path"`
	Facing  string   `mapstructure:"facing"`
	Binary  string   `mapstructure:"binary"`
	Args    []string `mapstructure:"args"`
}

type Config struct {
	Devices         []DeviceConfig
	JPEGQuality     int
	PreviewInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Devices: []DeviceConfig{{
			Backend: BackendUSB,
			Path:    "/dev/video0",
			Facing:  "back",
		}},
		JPEGQuality:     DefaultJPEGQuality,
		PreviewInterval: DefaultPreviewInterval,
	}
}

// DevicePaths lists the device nodes the process needs access to.
func (c *Config) DevicePaths() []string {
	var paths []string
	for _, d := range c.Devices {
		if d.Backend == BackendUSB || d.Backend == "" {
			paths = append(paths, d.Path)
		}
	}
	return paths
}

func NewDevice(log *slog.Logger, cfg DeviceConfig, quality int) (Device, error) {
	facing, err := ParseLensFacing(cfg.Facing)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendUSB, "":
		if cfg.Path == "" {
			return nil, errors.New("usb camera path is empty")
		}
		return NewUSBCamera(log, cfg.Path, facing, quality), nil
	case BackendRPi:
		id := cfg.Path
		if id == "" {
			id = "rpicam"
		}
		return NewRPICamera(log, id, cfg.Binary, facing, cfg.Args, quality), nil
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
	}
}

// Open builds the provider for the configured devices. A usb device node
// that does not exist fails the whole call.
func Open(ctx context.Context, log *slog.Logger, cfg *Config) (*Provider, error) {
	if cfg == nil || len(cfg.Devices) == 0 {
		return nil, errors.New("no camera configured")
	}

	devices := make([]Device, 0, len(cfg.Devices))
	for i, dc := range cfg.Devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dev, err := NewDevice(log, dc, cfg.JPEGQuality)
		if err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		if dc.Backend == BackendUSB || dc.Backend == "" {
			if _, err := os.Stat(dc.Path); err != nil {
				return nil, fmt.Errorf("camera %d: %w", i, err)
			}
		}
		devices = append(devices, dev)
	}

	return NewProvider(log, devices...)
}
