package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/blackjack/webcam"
)

const (
	V4L2_PIX_FMT_MJPG = 0x47504A4D
	V4L2_PIX_FMT_YUYV = 0x56595559
)

// in order of preference
var supportedFormats = []webcam.PixelFormat{
	V4L2_PIX_FMT_MJPG,
	V4L2_PIX_FMT_YUYV,
}

// seconds
const frameTimeout = 1

type usbcamera struct {
	log     *slog.Logger
	path    string
	facing  LensFacing
	quality int

	sync.RWMutex
	cam         *webcam.Webcam
	format      webcam.PixelFormat
	imageWidth  int
	imageHeight int
	frame       []byte
	done        chan struct{}
}

func NewUSBCamera(log *slog.Logger, path string, facing LensFacing, quality int) Device {
	if log == nil {
		log = slog.Default()
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &usbcamera{
		log:     log.With("svc", "usbcamera", "path", path),
		path:    path,
		facing:  facing,
		quality: quality,
	}
}

func (c *usbcamera) ID() string         { return c.path }
func (c *usbcamera) Facing() LensFacing { return c.facing }

func (c *usbcamera) Start(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	if c.cam != nil {
		return ErrBusy
	}

	cam, err := webcam.Open(c.path)
	if err != nil {
		return fmt.Errorf("fail to open camera: %w", err)
	}
	formatDesc := cam.GetSupportedFormats()
	c.log.Debug("Supported formats", "formats", formatDesc)

	var format webcam.PixelFormat
	for _, f := range supportedFormats {
		if desc, ok := formatDesc[f]; ok {
			c.log.Debug("Picked format", "format", desc)
			format = f
			break
		}
	}
	if format == 0 {
		cam.Close()
		return fmt.Errorf("found no supported formats")
	}

	sizes := FrameSizes(cam.GetSupportedFrameSizes(format))
	if len(sizes) == 0 {
		cam.Close()
		return fmt.Errorf("found no frame sizes")
	}
	sort.Sort(sizes)

	size := sizes[len(sizes)-1]
	c.log.Debug("Picked size", "size", size)

	f, w, h, err := cam.SetImageFormat(format, size.MaxWidth, size.MaxHeight)
	if err != nil {
		cam.Close()
		return fmt.Errorf("fail to set image format: %w", err)
	}
	c.log.Info("Set image format", "format", f, "width", w, "height", h)

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("fail to start streaming: %w", err)
	}

	c.cam = cam
	c.format = f
	c.imageWidth = int(w)
	c.imageHeight = int(h)
	c.frame = nil
	c.done = make(chan struct{})

	go c.handleCamera(ctx, cam, c.done)
	return nil
}

func (c *usbcamera) Stop() error {
	c.Lock()
	cam, done := c.cam, c.done
	c.cam = nil
	c.Unlock()

	if cam == nil {
		return nil
	}
	// handleCamera notices the cancelled context within one frame timeout
	<-done

	c.Lock()
	c.frame = nil
	c.Unlock()

	if err := cam.StopStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("fail to stop streaming: %w", err)
	}
	return cam.Close()
}

func (c *usbcamera) Frame(ctx context.Context) ([]byte, error) {
	return c.encode(Rotation0)
}

func (c *usbcamera) Still(ctx context.Context, rotation Rotation) ([]byte, error) {
	return c.encode(rotation)
}

func (c *usbcamera) handleCamera(ctx context.Context, cam *webcam.Webcam, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}

		err := cam.WaitForFrame(frameTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			c.log.Warn("fail to wait for frame", "err", err)
			continue
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			c.log.Warn("fail to read frame", "err", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}

		c.storeFrame(ctx, frame)
	}
}

// storeFrame keeps a copy of frame; the driver reuses its buffers. Once ctx
// is done the device is stopping and the frame is dropped.
func (c *usbcamera) storeFrame(ctx context.Context, frame []byte) {
	own := make([]byte, len(frame))
	copy(own, frame)

	c.Lock()
	defer c.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.frame = own
}

func (c *usbcamera) encode(rotation Rotation) ([]byte, error) {
	c.RLock()
	frame, format := c.frame, c.format
	width, height := c.imageWidth, c.imageHeight
	c.RUnlock()

	if frame == nil {
		return nil, ErrNoFrame
	}

	if format == V4L2_PIX_FMT_MJPG {
		return rotateJPEG(frame, rotation, c.quality)
	}

	img, err := yuyvImage(frame, width, height)
	if err != nil {
		return nil, err
	}
	return encodeJPEG(rotate(img, rotation), c.quality)
}

type FrameSizes []webcam.FrameSize

func (slice FrameSizes) Len() int {
	return len(slice)
}

// For sorting purposes
func (slice FrameSizes) Less(i, j int) bool {
	ls := slice[i].MaxWidth * slice[i].MaxHeight
	rs := slice[j].MaxWidth * slice[j].MaxHeight
	return ls < rs
}

// For sorting purposes
func (slice FrameSizes) Swap(i, j int) {
	slice[i], slice[j] = slice[j], slice[i]
}
