package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuzkov/snapcam/lifecycle"
)

// Provider hands out a camera to at most one binding at a time.
type Provider struct {
	log     *slog.Logger
	devices []Device

	mu      sync.Mutex
	binding *Binding
}

func NewProvider(log *slog.Logger, devices ...Device) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(devices) == 0 {
		return nil, errors.New("no camera devices")
	}
	return &Provider{
		log:     log.With("svc", "camera"),
		devices: devices,
	}, nil
}

// Shared opens the provider once and hands the same instance to every later
// call. A failed open is retried by the next call.
func Shared(open func(ctx context.Context) (*Provider, error)) func(ctx context.Context) (*Provider, error) {
	var (
		mu       sync.Mutex
		provider *Provider
	)
	return func(ctx context.Context) (*Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		if provider != nil {
			return provider, nil
		}
		p, err := open(ctx)
		if err != nil {
			return nil, err
		}
		provider = p
		return provider, nil
	}
}

func (p *Provider) Devices() []Device {
	return p.devices
}

// Binding returns the active binding, or nil.
func (p *Provider) Binding() *Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binding
}

// UnbindAll releases the active binding, if there is one.
func (p *Provider) UnbindAll() {
	p.mu.Lock()
	b := p.binding
	p.mu.Unlock()

	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		p.log.Warn("fail to release camera", "device", b.device.ID(), "err", err)
	}
}

// BindToLifecycle starts the selected device and attaches the use cases to
// it. The binding is released when scope closes.
func (p *Provider) BindToLifecycle(scope *lifecycle.Scope, selector Selector, useCases ...UseCase) (*Binding, error) {
	if !scope.Alive() {
		return nil, fmt.Errorf("fail to bind: %w", scope.Context().Err())
	}
	if len(useCases) == 0 {
		return nil, errors.New("no use cases to bind")
	}

	p.mu.Lock()
	if p.binding != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("provider: %w", ErrAlreadyBound)
	}

	dev, err := selector.Select(p.devices)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancel(scope.Context())
	if err := dev.Start(ctx); err != nil {
		cancel()
		p.mu.Unlock()
		return nil, fmt.Errorf("fail to start %s: %w", dev.ID(), err)
	}

	b := &Binding{
		log:      p.log.With("device", dev.ID()),
		provider: p,
		device:   dev,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, uc := range useCases {
		if err := uc.attach(b); err != nil {
			b.detachAll()
			cancel()
			dev.Stop()
			p.mu.Unlock()
			return nil, fmt.Errorf("fail to attach %s: %w", uc.Name(), err)
		}
		b.useCases = append(b.useCases, uc)
	}
	p.binding = b
	p.mu.Unlock()

	p.log.Info("camera bound", "device", dev.ID(), "facing", dev.Facing(), "useCases", len(b.useCases))
	scope.OnClose(func() {
		if err := b.Close(); err != nil {
			p.log.Warn("fail to release camera", "device", dev.ID(), "err", err)
		}
	})
	return b, nil
}

func (p *Provider) release(b *Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.binding == b {
		p.binding = nil
	}
}

// Binding is a started device plus the use cases feeding from it.
type Binding struct {
	log      *slog.Logger
	provider *Provider
	device   Device
	useCases []UseCase

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func (b *Binding) Device() Device {
	return b.device
}

func (b *Binding) UseCases() []UseCase {
	return b.useCases
}

func (b *Binding) Context() context.Context {
	return b.ctx
}

func (b *Binding) Active() bool {
	return b.ctx.Err() == nil
}

// Close detaches every use case and stops the device. It is idempotent.
func (b *Binding) Close() error {
	b.once.Do(func() {
		b.detachAll()
		b.cancel()
		b.err = b.device.Stop()
		b.provider.release(b)
		b.log.Info("camera released")
	})
	return b.err
}

func (b *Binding) detachAll() {
	for _, uc := range b.useCases {
		uc.detach()
	}
}
