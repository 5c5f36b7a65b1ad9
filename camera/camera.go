package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoCamera     = errors.New("no camera matches selector")
	ErrNotBound     = errors.New("use case is not bound")
	ErrAlreadyBound = errors.New("already bound")
	ErrBusy         = errors.New("camera is busy")
	ErrNoFrame      = errors.New("frame not yet available")
)

// Device is one physical camera. Frames and stills are JPEG encoded.
type Device interface {
	ID() string
	Facing() LensFacing
	// Start acquires the hardware; it is released by Stop or when ctx ends.
	Start(ctx context.Context) error
	Frame(ctx context.Context) ([]byte, error)
	Still(ctx context.Context, rotation Rotation) ([]byte, error)
	Stop() error
}

type LensFacing int

const (
	LensFacingBack LensFacing = iota
	LensFacingFront
	LensFacingExternal
)

func (f LensFacing) String() string {
	switch f {
	case LensFacingBack:
		return "back"
	case LensFacingFront:
		return "front"
	case LensFacingExternal:
		return "external"
	default:
		return fmt.Sprintf("LensFacing(%d)", int(f))
	}
}

func ParseLensFacing(s string) (LensFacing, error) {
	switch strings.ToLower(s) {
	case "", "back":
		return LensFacingBack, nil
	case "front":
		return LensFacingFront, nil
	case "external":
		return LensFacingExternal, nil
	default:
		return 0, fmt.Errorf("unknown lens facing %q", s)
	}
}

// Rotation is a clockwise rotation in degrees applied to stills.
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

// ParseRotation normalizes deg into [0, 360). Only right angles are valid.
func ParseRotation(deg int) (Rotation, error) {
	deg = ((deg % 360) + 360) % 360
	if deg%90 != 0 {
		return 0, fmt.Errorf("rotation %d is not a multiple of 90", deg)
	}
	return Rotation(deg), nil
}

type Selector struct {
	LensFacing LensFacing
}

// Select returns the first device facing the requested way.
func (s Selector) Select(devices []Device) (Device, error) {
	for _, d := range devices {
		if d.Facing() == s.LensFacing {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: facing %s", ErrNoCamera, s.LensFacing)
}
