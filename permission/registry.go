package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// DeviceRegistry grants a permission only when the user consented to it
// and, for the camera, the process can open every configured device node.
type DeviceRegistry struct {
	log *slog.Logger

	devices []string
	access  func(path string, mode uint32) error

	mu      sync.RWMutex
	consent map[string]bool
}

func NewDeviceRegistry(log *slog.Logger, devices []string) *DeviceRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceRegistry{
		log:     log.With("svc", "registry"),
		devices: devices,
		access:  unix.Access,
		consent: make(map[string]bool),
	}
}

func (r *DeviceRegistry) Check(ctx context.Context, permission string) (bool, error) {
	r.mu.RLock()
	consented := r.consent[permission]
	r.mu.RUnlock()
	if !consented {
		return false, nil
	}

	if permission != Camera {
		return true, nil
	}
	for _, dev := range r.devices {
		if err := r.access(dev, unix.R_OK|unix.W_OK); err != nil {
			r.log.DebugContext(ctx, "device not accessible", "device", dev, "err", err)
			return false, nil
		}
	}
	return true, nil
}

func (r *DeviceRegistry) Record(permission string, granted bool) error {
	if permission == "" {
		return fmt.Errorf("empty permission")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consent[permission] = granted
	r.log.Debug("consent recorded", "permission", permission, "granted", granted)
	return nil
}

// Revoke drops a previous consent.
func (r *DeviceRegistry) Revoke(permission string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consent, permission)
}
