package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tuzkov/snapcam/lifecycle"
)

// UseCase is something a Binding feeds from its device.
type UseCase interface {
	Name() string
	attach(b *Binding) error
	detach()
}

// Surface receives preview frames.
type Surface interface {
	Publish(frame []byte)
}

const DefaultPreviewInterval = 200 * time.Millisecond

// Preview pushes device frames to a surface while bound.
type Preview struct {
	interval time.Duration

	mu      sync.Mutex
	surface Surface
	binding *Binding
}

func NewPreview(interval time.Duration) *Preview {
	if interval <= 0 {
		interval = DefaultPreviewInterval
	}
	return &Preview{interval: interval}
}

func (p *Preview) Name() string { return "preview" }

func (p *Preview) SetSurfaceProvider(s Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = s
}

func (p *Preview) attach(b *Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.binding != nil {
		return ErrAlreadyBound
	}
	p.binding = b
	go p.run(b)
	return nil
}

func (p *Preview) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binding = nil
}

func (p *Preview) run(b *Binding) {
	ctx := b.Context()
	after := time.After(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-after:
		}
		after = time.After(p.interval)

		frame, err := b.device.Frame(ctx)
		if err != nil {
			if errors.Is(err, ErrNoFrame) || errors.Is(err, ErrBusy) {
				b.log.Debug("preview frame skipped", "err", err)
			} else if ctx.Err() == nil {
				b.log.Warn("fail to get preview frame", "err", err)
			}
			continue
		}

		p.mu.Lock()
		surface := p.surface
		bound := p.binding == b
		p.mu.Unlock()
		if !bound {
			return
		}
		if surface != nil {
			surface.Publish(frame)
		}
	}
}

// ImageCapture takes stills from the bound device and writes them to disk.
type ImageCapture struct {
	rotation Rotation

	mu      sync.Mutex
	binding *Binding

	writeFile func(name string, data []byte, perm os.FileMode) error
}

func NewImageCapture(rotation Rotation) *ImageCapture {
	return &ImageCapture{
		rotation:  rotation,
		writeFile: os.WriteFile,
	}
}

func (c *ImageCapture) Name() string { return "image capture" }

func (c *ImageCapture) TargetRotation() Rotation {
	return c.rotation
}

func (c *ImageCapture) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding != nil
}

func (c *ImageCapture) attach(b *Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding != nil {
		return ErrAlreadyBound
	}
	c.binding = b
	return nil
}

func (c *ImageCapture) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binding = nil
}

// TakePicture captures a still into the file name in the background.
// done receives the file name, or the error, on the scope's loop.
// A failed write may leave a partial file behind.
func (c *ImageCapture) TakePicture(scope *lifecycle.Scope, name string, done func(lifecycle.Result[string])) {
	c.mu.Lock()
	b := c.binding
	c.mu.Unlock()

	lifecycle.Go(scope, func(ctx context.Context) (string, error) {
		if b == nil {
			return "", ErrNotBound
		}
		shot, err := b.device.Still(b.Context(), c.rotation)
		if err != nil {
			return "", fmt.Errorf("fail to take still: %w", err)
		}
		if err := c.writeFile(name, shot, 0o644); err != nil {
			return "", fmt.Errorf("fail to write picture: %w", err)
		}
		return name, nil
	}, done)
}
