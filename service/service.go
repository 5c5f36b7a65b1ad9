package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tuzkov/snapcam/camera"
	"github.com/tuzkov/snapcam/lifecycle"
	"github.com/tuzkov/snapcam/permission"
	"github.com/tuzkov/snapcam/storage"
	"github.com/tuzkov/snapcam/thumbnail"
)

var (
	// ErrNotConfigured is returned by Shutter before the camera is bound.
	ErrNotConfigured = errors.New("image capture is not configured")
)

type EventType string

const (
	EventNotice     EventType = "notice"
	EventError      EventType = "error"
	EventThumbnail  EventType = "thumbnail"
	EventPermission EventType = "permission"
)

// Event is something the screen shows to the user.
type Event struct {
	Type    EventType           `json:"type"`
	Message string              `json:"message,omitempty"`
	Source  string              `json:"source,omitempty"`
	Version int                 `json:"version,omitempty"`
	Request *permission.Request `json:"request,omitempty"`
}

type Events interface {
	Emit(ev Event)
}

type Config struct {
	PreviewInterval  time.Duration
	ThumbnailWidth   int
	ThumbnailHeight  int
	ThumbnailQuality int

	Mirror MirrorConfig
}

type Dependencies struct {
	Loop     *lifecycle.Loop
	Gate     *permission.Gate
	Resolver *storage.Resolver
	// OpenProvider may block; it runs off the loop.
	OpenProvider func(ctx context.Context) (*camera.Provider, error)
	Surface      camera.Surface
	Events       Events

	Now func() time.Time
}

// Screen is the camera screen: preview, shutter and the last picture.
// Except for Thumbnail, its methods must be called on the loop.
type Screen struct {
	log *slog.Logger
	cfg *Config

	loop         *lifecycle.Loop
	gate         *permission.Gate
	resolver     *storage.Resolver
	renderer     *thumbnail.Renderer
	thumb        *thumbnail.View
	openProvider func(ctx context.Context) (*camera.Provider, error)
	surface      camera.Surface
	events       Events
	mirror       *mirror
	now          func() time.Time

	scope    *lifecycle.Scope
	rotation camera.Rotation
	provider *camera.Provider
	binding  *camera.Binding
	capture  *camera.ImageCapture
	inFlight int
}

type discardEvents struct{}

func (discardEvents) Emit(Event) {}

func NewScreen(log *slog.Logger, cfg *Config, deps Dependencies) (*Screen, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	switch {
	case deps.Loop == nil:
		return nil, errors.New("loop is nil")
	case deps.Gate == nil:
		return nil, errors.New("permission gate is nil")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is nil")
	case deps.OpenProvider == nil:
		return nil, errors.New("camera provider is nil")
	}
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Screen{
		log: log.With("svc", "screen"),
		cfg: cfg,

		loop:         deps.Loop,
		gate:         deps.Gate,
		resolver:     deps.Resolver,
		renderer:     thumbnail.NewRenderer(log, cfg.ThumbnailQuality),
		thumb:        thumbnail.NewView(cfg.ThumbnailWidth, cfg.ThumbnailHeight),
		openProvider: deps.OpenProvider,
		surface:      deps.Surface,
		events:       deps.Events,
		now:          deps.Now,
	}

	if cfg.Mirror.Enabled {
		m, err := newMirror(log, &cfg.Mirror)
		if err != nil {
			return nil, fmt.Errorf("fail to create mirror: %w", err)
		}
		s.mirror = m
		s.log.Info("mirror enabled", "endpoint", cfg.Mirror.Endpoint)
	}

	s.thumb.OnChange(func(source string, version int) {
		s.events.Emit(Event{
			Type:    EventThumbnail,
			Source:  filepath.Base(source),
			Version: version,
		})
	})

	return s, nil
}

func (s *Screen) Thumbnail() *thumbnail.View {
	return s.thumb
}

func (s *Screen) Visible() bool {
	return s.scope != nil
}

func (s *Screen) Configured() bool {
	return s.capture != nil
}

// InFlight is the number of captures still waiting for their result.
func (s *Screen) InFlight() int {
	return s.inFlight
}

// SetRotation applies to the next configuration.
func (s *Screen) SetRotation(r camera.Rotation) {
	s.rotation = r
}

// Show acquires the screen scope, then configures the camera right away
// when permission is already granted, or after the user grants it.
func (s *Screen) Show(ctx context.Context) {
	if s.scope != nil {
		return
	}
	s.scope = s.loop.NewScope(ctx)
	s.log.Info("screen visible")

	if s.gate.RequestIfNeeded(s.scope, s.onPermissionResult) {
		s.configure(s.scope)
	}
}

// Hide releases the camera binding and drops every pending result.
func (s *Screen) Hide() {
	if s.scope == nil {
		return
	}
	s.scope.Close()
	s.scope = nil
	s.provider = nil
	s.binding = nil
	s.capture = nil
	s.inFlight = 0
	s.log.Info("screen hidden")
}

func (s *Screen) onPermissionResult(res permission.Result) {
	if !res.Granted {
		s.log.Warn("camera permission denied")
		return
	}
	s.configure(s.scope)
}

func (s *Screen) configure(scope *lifecycle.Scope) {
	s.log.Debug("obtaining camera provider")
	lifecycle.Go(scope, s.openProvider, func(res lifecycle.Result[*camera.Provider]) {
		if res.Err != nil {
			s.report("Camera unavailable", res.Err)
			return
		}
		s.bindUseCases(scope, res.Value)
	})
}

func (s *Screen) bindUseCases(scope *lifecycle.Scope, provider *camera.Provider) {
	preview := camera.NewPreview(s.cfg.PreviewInterval)
	preview.SetSurfaceProvider(s.surface)

	capture := camera.NewImageCapture(s.rotation)

	selector := camera.Selector{LensFacing: camera.LensFacingBack}

	provider.UnbindAll()

	binding, err := provider.BindToLifecycle(scope, selector, preview, capture)
	if err != nil {
		s.report("Camera unavailable", err)
		return
	}

	s.provider = provider
	s.binding = binding
	s.capture = capture
	s.log.Info("camera configured", "device", binding.Device().ID(), "rotation", int(capture.TargetRotation()))
}

// Shutter starts a capture and returns its ID. Presses are not debounced:
// overlapping captures run side by side and the last one to finish owns
// the thumbnail.
func (s *Screen) Shutter() (string, error) {
	if s.capture == nil {
		s.log.Error("shutter pressed before camera was configured")
		return "", ErrNotConfigured
	}

	name, err := s.resolver.PictureFile(s.now())
	if err != nil {
		s.report("Image capture failed", err)
		return "", err
	}

	id := uuid.NewString()
	log := s.log.With("capture", id)
	s.inFlight++
	log.Debug("capture requested", "file", name, "inFlight", s.inFlight)

	scope := s.scope
	s.capture.TakePicture(scope, name, func(res lifecycle.Result[string]) {
		s.inFlight--
		s.onCaptured(log, scope, res)
	})
	return id, nil
}

func (s *Screen) onCaptured(log *slog.Logger, scope *lifecycle.Scope, res lifecycle.Result[string]) {
	if res.Err != nil {
		log.Error("Image capture failed", "err", res.Err)
		s.events.Emit(Event{Type: EventError, Message: "Image capture failed: " + res.Err.Error()})
		return
	}

	path, err := filepath.Abs(res.Value)
	if err != nil {
		path = res.Value
	}
	s.renderer.Load(scope, path, s.thumb)
	log.Info("Image saved", "path", path)

	if s.mirror != nil {
		lifecycle.Go(scope, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.mirror.Send(ctx, path)
		}, func(res lifecycle.Result[struct{}]) {
			if res.Err != nil {
				s.report("Mirror upload failed", res.Err)
				return
			}
			log.Debug("picture mirrored", "path", path)
		})
	}
}

func (s *Screen) report(msg string, err error) {
	s.log.Error(msg, "err", err)
	s.events.Emit(Event{Type: EventError, Message: fmt.Sprintf("%s: %v", msg, err)})
}
