package camera

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

const (
	RpiCamBinary = "rpicam-still"

	previewWidth  = 640
	previewHeight = 480
)

type rpiCamera struct {
	log     *slog.Logger
	id      string
	facing  LensFacing
	binary  string
	opts    []string
	quality int

	// rpicam can be run only from one place at a time
	mu sync.Mutex
}

// NewRPICamera drives rpicam-still. opts are passed to every invocation.
func NewRPICamera(log *slog.Logger, id, binary string, facing LensFacing, opts []string, quality int) Device {
	if log == nil {
		log = slog.Default()
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if binary == "" {
		binary = RpiCamBinary
	}
	return &rpiCamera{
		log:     log.With("svc", "rpicamera", "id", id),
		id:      id,
		facing:  facing,
		binary:  binary,
		opts:    opts,
		quality: quality,
	}
}

func (c *rpiCamera) ID() string         { return c.id }
func (c *rpiCamera) Facing() LensFacing { return c.facing }

func (c *rpiCamera) Start(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("fail to find %s: %w", c.binary, err)
	}
	return nil
}

func (c *rpiCamera) Stop() error {
	return nil
}

// Frame skips the frame while a still is being taken.
func (c *rpiCamera) Frame(ctx context.Context) ([]byte, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	return c.takeShot(ctx,
		"--width", strconv.Itoa(previewWidth),
		"--height", strconv.Itoa(previewHeight),
	)
}

// Still waits for a running preview shot to finish.
func (c *rpiCamera) Still(ctx context.Context, rotation Rotation) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// rpicam itself only flips
	if rotation == Rotation0 || rotation == Rotation180 {
		return c.takeShot(ctx, "--rotation", strconv.Itoa(int(rotation)))
	}

	shot, err := c.takeShot(ctx)
	if err != nil {
		return nil, err
	}
	return rotateJPEG(shot, rotation, c.quality)
}

func (c *rpiCamera) cameraOpts() []string {
	return append([]string{
		"--encoding", "jpg",
		"-n", // no preview
		"--quality", strconv.Itoa(c.quality),
	}, c.opts...)
}

// runs rpicam-still writing the jpeg to stdout; must be called with mu held
func (c *rpiCamera) takeShot(ctx context.Context, extra ...string) ([]byte, error) {
	args := append(c.cameraOpts(), extra...)
	args = append(args,
		"--immediate",
		"-o", "-",
	)

	c.log.DebugContext(ctx, "rpicam-still args", "args", args)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	c.log.DebugContext(ctx, "rpicam-still output", "output", stderr.String())
	if err != nil {
		return nil, fmt.Errorf("fail to run rpicam-still: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("rpicam-still produced no image")
	}

	return stdout.Bytes(), nil
}
