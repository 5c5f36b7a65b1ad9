// Package thumbnail decodes a picture file and shows a scaled copy of it in a View.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/image/draw"

	"github.com/tuzkov/snapcam/lifecycle"
)

// View holds what the thumbnail surface currently shows.
type View struct {
	maxWidth  int
	maxHeight int

	mu       sync.RWMutex
	source   string
	image    []byte
	version  int
	onChange func(source string, version int)
}

func NewView(maxWidth, maxHeight int) *View {
	if maxWidth <= 0 {
		maxWidth = 160
	}
	if maxHeight <= 0 {
		maxHeight = 160
	}
	return &View{maxWidth: maxWidth, maxHeight: maxHeight}
}

// Source is the path of the file on display, empty before the first load.
func (v *View) Source() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.source
}

// Image returns the JPEG encoded thumbnail and its version.
func (v *View) Image() ([]byte, int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.image, v.version
}

// OnChange registers fn to be called after every update, on the loop.
func (v *View) OnChange(fn func(source string, version int)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

func (v *View) set(source string, img []byte) {
	v.mu.Lock()
	v.source = source
	v.image = img
	v.version++
	version, fn := v.version, v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn(source, version)
	}
}

type Renderer struct {
	log     *slog.Logger
	quality int
}

func NewRenderer(log *slog.Logger, quality int) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Renderer{
		log:     log.With("svc", "thumbnail"),
		quality: quality,
	}
}

// Load decodes path in the background and puts it into view on the loop.
// Failures are logged; the view keeps its previous content.
func (r *Renderer) Load(scope *lifecycle.Scope, path string, view *View) {
	lifecycle.Go(scope, func(ctx context.Context) ([]byte, error) {
		return r.render(path, view.maxWidth, view.maxHeight)
	}, func(res lifecycle.Result[[]byte]) {
		if res.Err != nil {
			r.log.Error("fail to render thumbnail", "path", path, "err", res.Err)
			return
		}
		view.set(path, res.Value)
	})
}

func (r *Renderer) render(path string, maxWidth, maxHeight int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fail to open: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("fail to decode: %w", err)
	}

	dst := image.NewRGBA(fit(src.Bounds(), maxWidth, maxHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, dst, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("fail to encode: %w", err)
	}
	return buf.Bytes(), nil
}

// fit scales b down to the box keeping its aspect ratio. Smaller images keep their size.
func fit(b image.Rectangle, maxWidth, maxHeight int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w <= maxWidth && h <= maxHeight {
		return image.Rect(0, 0, w, h)
	}
	if w*maxHeight > h*maxWidth {
		h = max(1, h*maxWidth/w)
		w = maxWidth
	} else {
		w = max(1, w*maxHeight/h)
		h = maxHeight
	}
	return image.Rect(0, 0, w, h)
}
