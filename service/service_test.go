package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzkov/snapcam/camera"
	"github.com/tuzkov/snapcam/lifecycle"
	"github.com/tuzkov/snapcam/permission"
	"github.com/tuzkov/snapcam/storage"
)

type stillDevice struct {
	mu       sync.Mutex
	stillErr error
	rotation camera.Rotation
	stopped  bool
}

func (d *stillDevice) ID() string                      { return "test0" }
func (d *stillDevice) Facing() camera.LensFacing       { return camera.LensFacingBack }
func (d *stillDevice) Start(ctx context.Context) error { return nil }

func (d *stillDevice) Frame(ctx context.Context) ([]byte, error) {
	return nil, camera.ErrNoFrame
}

func (d *stillDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *stillDevice) Still(ctx context.Context, rotation camera.Rotation) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotation = rotation
	if d.stillErr != nil {
		return nil, d.stillErr
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, image.NewRGBA(image.Rect(0, 0, 320, 240)), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type prompter struct {
	answer bool
	calls  atomic.Int32
}

func (p *prompter) Prompt(ctx context.Context, req permission.Request) (bool, error) {
	p.calls.Add(1)
	return p.answer, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 64)}
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	loop     *lifecycle.Loop
	screen   *Screen
	registry *permission.DeviceRegistry
	prompter *prompter
	events   *recorder
	device   *stillDevice
	opened   atomic.Int32
	openErr  error
	provider *camera.Provider
	logs     *syncBuffer
	pictures string
}

func newFixture(t *testing.T, granted, answer bool, cfg *Config) *fixture {
	t.Helper()
	f := &fixture{
		registry: permission.NewDeviceRegistry(nil, nil),
		prompter: &prompter{answer: answer},
		events:   newRecorder(),
		device:   &stillDevice{},
		logs:     &syncBuffer{},
		pictures: t.TempDir(),
	}
	if granted {
		require.NoError(t, f.registry.Record(permission.Camera, true))
	}
	log := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f.loop = lifecycle.NewLoop(log)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.loop.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	gate, err := permission.NewGate(log, permission.DefaultConfig(), f.registry, f.prompter,
		permission.NotifierFunc(func(msg string) {
			f.events.Emit(Event{Type: EventNotice, Message: msg})
		}))
	require.NoError(t, err)

	resolver, err := storage.NewResolver(log, f.pictures, "snapcam")
	require.NoError(t, err)

	var tick atomic.Int64
	f.screen, err = NewScreen(log, cfg, Dependencies{
		Loop:     f.loop,
		Gate:     gate,
		Resolver: resolver,
		OpenProvider: func(ctx context.Context) (*camera.Provider, error) {
			f.opened.Add(1)
			if f.openErr != nil {
				return nil, f.openErr
			}
			if f.provider != nil {
				return f.provider, nil
			}
			return camera.NewProvider(log, f.device)
		},
		Events: f.events,
		Now: func() time.Time {
			return time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(tick.Add(1)) * time.Millisecond)
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Call(t.Context(), fn))
}

func (f *fixture) waitConfigured(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		f.do(t, func() { ok = f.screen.Configured() })
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCaptureEndToEnd(t *testing.T) {
	f := newFixture(t, true, false, nil)

	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)
	assert.Zero(t, f.prompter.calls.Load())

	var (
		id  string
		err error
	)
	f.do(t, func() { id, err = f.screen.Shutter() })
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ev := f.events.wait(t, EventThumbnail)
	want := filepath.Join(f.pictures, "snapcam", "2025-05-01-12-00-00-001.jpg")
	assert.Equal(t, filepath.Base(want), ev.Source)
	assert.Equal(t, want, f.screen.Thumbnail().Source())
	assert.FileExists(t, want)
	assert.Contains(t, f.logs.String(), want)
	assert.Contains(t, f.logs.String(), "Image saved")

	f.do(t, func() { assert.Zero(t, f.screen.InFlight()) })
}

func TestPermissionDeniedNeverConfigures(t *testing.T) {
	f := newFixture(t, false, false, nil)

	f.do(t, func() { f.screen.Show(context.Background()) })

	ev := f.events.wait(t, EventNotice)
	assert.Equal(t, permission.NoticeDenied, ev.Message)
	assert.EqualValues(t, 1, f.prompter.calls.Load())

	var err error
	f.do(t, func() { _, err = f.screen.Shutter() })
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, f.opened.Load())
}

// Granting at the prompt goes straight on to configure the camera; the
// screen does not have to be shown again.
func TestPromptGrantConfiguresWithoutReshow(t *testing.T) {
	f := newFixture(t, false, true, nil)

	f.do(t, func() { f.screen.Show(context.Background()) })

	ev := f.events.wait(t, EventNotice)
	assert.Equal(t, permission.NoticeGranted, ev.Message)
	f.waitConfigured(t)
	assert.EqualValues(t, 1, f.opened.Load())
}

func TestShutterBeforeShow(t *testing.T) {
	f := newFixture(t, true, false, nil)

	var err error
	f.do(t, func() { _, err = f.screen.Shutter() })
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestProviderFailureIsReported(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.openErr = errors.New("no such device")

	f.do(t, func() { f.screen.Show(context.Background()) })

	ev := f.events.wait(t, EventError)
	assert.Contains(t, ev.Message, "no such device")
	f.do(t, func() { assert.False(t, f.screen.Configured()) })
}

func TestCaptureFailureIsReported(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.device.stillErr = errors.New("hardware busy")

	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)

	var err error
	f.do(t, func() { _, err = f.screen.Shutter() })
	require.NoError(t, err)

	ev := f.events.wait(t, EventError)
	assert.Contains(t, ev.Message, "hardware busy")
	assert.Empty(t, f.screen.Thumbnail().Source())
	assert.Contains(t, f.logs.String(), "Image capture failed")
}

func TestRotationReachesStill(t *testing.T) {
	f := newFixture(t, true, false, nil)

	f.do(t, func() {
		f.screen.SetRotation(camera.Rotation90)
		f.screen.Show(context.Background())
	})
	f.waitConfigured(t)
	var err error
	f.do(t, func() { _, err = f.screen.Shutter() })
	require.NoError(t, err)
	f.events.wait(t, EventThumbnail)

	f.device.mu.Lock()
	defer f.device.mu.Unlock()
	assert.Equal(t, camera.Rotation90, f.device.rotation)
}

func TestOverlappingShuttersAllComplete(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)

	errs := make([]error, 3)
	f.do(t, func() {
		for i := range errs {
			_, errs[i] = f.screen.Shutter()
		}
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(f.pictures, "snapcam"))
		return err == nil && len(entries) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		var n int
		f.do(t, func() { n = f.screen.InFlight() })
		return n == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHideReleasesCamera(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)

	f.do(t, func() {
		f.screen.Hide()
		assert.False(t, f.screen.Visible())
		assert.False(t, f.screen.Configured())
		_, err := f.screen.Shutter()
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	f.device.mu.Lock()
	defer f.device.mu.Unlock()
	assert.True(t, f.device.stopped)
}

func TestShowTwiceBindsOnce(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.do(t, func() {
		f.screen.Show(context.Background())
		f.screen.Show(context.Background())
	})
	f.waitConfigured(t)
	assert.EqualValues(t, 1, f.opened.Load())
}

func TestMirrorUploadsPicture(t *testing.T) {
	uploaded := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body)
		uploaded <- r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := newFixture(t, true, false, &Config{Mirror: MirrorConfig{Enabled: true, Endpoint: srv.URL + "/gallery"}})
	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)
	var err error
	f.do(t, func() { _, err = f.screen.Shutter() })
	require.NoError(t, err)

	select {
	case path := <-uploaded:
		assert.True(t, strings.HasPrefix(path, "/gallery/2025-05-01-12-00-00-"), path)
	case <-time.After(2 * time.Second):
		t.Fatal("picture not mirrored")
	}
}

func TestMirrorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	m, err := newMirror(slog.Default(), &MirrorConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	name := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	assert.ErrorContains(t, m.Send(t.Context(), name), "403")
	assert.Error(t, m.Send(t.Context(), filepath.Join(t.TempDir(), "missing.jpg")))
}

func TestNewMirrorValidation(t *testing.T) {
	_, err := newMirror(slog.Default(), &MirrorConfig{})
	assert.Error(t, err)
	_, err = newMirror(slog.Default(), &MirrorConfig{Endpoint: "ftp://host/x"})
	assert.Error(t, err)

	m, err := newMirror(slog.Default(), &MirrorConfig{Endpoint: "http://host", Username: "maker", Password: "secret"})
	require.NoError(t, err)
	assert.NotNil(t, m.httpClient.Transport)
}

func TestShowAfterHideRebindsSameProvider(t *testing.T) {
	f := newFixture(t, true, false, nil)
	provider, err := camera.NewProvider(nil, f.device)
	require.NoError(t, err)
	f.provider = provider

	// left over from another owner; configure must release it first
	other := f.loop.NewScope(context.Background())
	defer other.Close()
	stale, err := provider.BindToLifecycle(other, camera.Selector{}, camera.NewImageCapture(camera.Rotation0))
	require.NoError(t, err)

	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)
	assert.False(t, stale.Active())
	first := provider.Binding()
	require.NotNil(t, first)
	assert.NotSame(t, stale, first)

	f.do(t, f.screen.Hide)
	assert.False(t, first.Active())
	assert.Nil(t, provider.Binding())

	f.do(t, func() { f.screen.Show(context.Background()) })
	f.waitConfigured(t)
	second := provider.Binding()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.True(t, second.Active())
	assert.EqualValues(t, 2, f.opened.Load())
}
