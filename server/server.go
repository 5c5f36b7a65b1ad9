package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tuzkov/snapcam/camera"
	"github.com/tuzkov/snapcam/lifecycle"
	"github.com/tuzkov/snapcam/permission"
	"github.com/tuzkov/snapcam/service"
	"github.com/tuzkov/snapcam/storage"
)

//go:embed static
var staticFiles embed.FS

type Server interface {
	Start(ctx context.Context) error
	Handler() http.Handler
}

type server struct {
	log *slog.Logger
	cfg *Config

	addr     string
	loop     *lifecycle.Loop
	screen   *service.Screen
	resolver *storage.Resolver
	hub      *hub
	dialog   *dialog
	surface  *frameSurface
	static   fs.FS

	// parent of the screen scope
	baseCtx context.Context
}

type Config struct {
	service.Config

	Camera     camera.Config
	Permission permission.Config
	// AutoGrant records consent up front, for unattended setups.
	AutoGrant bool

	PicturesDir string
	AppName     string

	Addr     string
	LogLevel string
}

func NewServer(log *slog.Logger, cfg *Config) (Server, error) {
	return newServer(log, cfg, func(ctx context.Context) (*camera.Provider, error) {
		return camera.Open(ctx, log, &cfg.Camera)
	})
}

func newServer(log *slog.Logger, cfg *Config, openProvider func(ctx context.Context) (*camera.Provider, error)) (*server, error) {
	if log == nil {
		log = slog.Default()
	}
	openProvider = camera.Shared(openProvider)

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("fail to open static files: %w", err)
	}

	srv := &server{
		log:     log.With("svc", "server"),
		cfg:     cfg,
		addr:    cfg.Addr,
		loop:    lifecycle.NewLoop(log),
		hub:     newHub(log),
		surface: newFrameSurface(),
		static:  static,
		baseCtx: context.Background(),
	}
	srv.dialog = newDialog(srv.hub)

	registry := permission.NewDeviceRegistry(log, cfg.Camera.DevicePaths())
	if cfg.AutoGrant {
		for _, p := range cfg.Permission.Permissions {
			if err := registry.Record(p, true); err != nil {
				return nil, fmt.Errorf("fail to grant %s: %w", p, err)
			}
		}
	}

	gate, err := permission.NewGate(log, cfg.Permission, registry, srv.dialog,
		permission.NotifierFunc(func(msg string) {
			srv.hub.Emit(service.Event{Type: service.EventNotice, Message: msg})
		}))
	if err != nil {
		return nil, fmt.Errorf("fail to create permission gate: %w", err)
	}

	srv.resolver, err = storage.NewResolver(log, cfg.PicturesDir, cfg.AppName)
	if err != nil {
		return nil, fmt.Errorf("fail to create resolver: %w", err)
	}

	srv.screen, err = service.NewScreen(log, &cfg.Config, service.Dependencies{
		Loop:         srv.loop,
		Gate:         gate,
		Resolver:     srv.resolver,
		OpenProvider: openProvider,
		Surface:      srv.surface,
		Events:       srv.hub,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to create screen: %w", err)
	}

	srv.hub.onJoin = srv.clientJoined
	srv.hub.onLeave = srv.clientLeft
	srv.hub.onMessage = srv.clientMessage

	return srv, nil
}

func (srv *server) Start(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go srv.loop.Run(loopCtx)

	srv.baseCtx = ctx
	httpSrv := &http.Server{Addr: srv.addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("listening", "addr", srv.addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}

	hideCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if hideErr := srv.loop.Call(hideCtx, srv.screen.Hide); hideErr != nil {
		srv.log.Warn("fail to hide screen", "err", hideErr)
	}
	return err
}

func (srv *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", srv.Index)
	mux.HandleFunc("GET /preview", srv.Preview)
	mux.HandleFunc("GET /snapshot", srv.Snapshot)
	mux.HandleFunc("POST /shutter", srv.Shutter)
	mux.HandleFunc("GET /thumbnail", srv.Thumbnail)
	mux.Handle("GET /ws", srv.hub)
	mux.Handle("GET /pictures/",
		http.StripPrefix("/pictures/",
			http.FileServer(http.Dir(srv.resolver.Dir()))))

	return mux
}

func (srv *server) Index(w http.ResponseWriter, req *http.Request) {
	data, err := fs.ReadFile(srv.static, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (srv *server) Snapshot(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("Snapshot call")
	frame := srv.surface.Latest()
	if frame == nil {
		http.Error(w, camera.ErrNoFrame.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if _, err := w.Write(frame); err != nil {
		srv.log.Error("Snapshot write error", "err", err)
	}
}

func (srv *server) Preview(w http.ResponseWriter, req *http.Request) {
	srv.log.Info("Started stream")
	defer srv.log.Info("Finished stream")

	const boundary = `frame`
	w.Header().Set("Content-Type", `multipart/x-mixed-replace;boundary=`+boundary)
	mpWriter := multipart.NewWriter(w)
	mpWriter.SetBoundary(boundary)

	ctx := req.Context()
	stream := srv.surface.Subscribe(ctx)
	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}

			iw, err := mpWriter.CreatePart(textproto.MIMEHeader{
				"Content-Type":   []string{"image/jpeg"},
				"Content-Length": []string{strconv.Itoa(len(frame))},
			})
			if err != nil {
				srv.log.Error("fail to send part", "err", err)
				return
			}

			if _, err := iw.Write(frame); err != nil {
				srv.log.Error("fail to write part", "err", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (srv *server) Shutter(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("shutter call")

	var (
		id  string
		err error
	)
	if callErr := srv.loop.Call(req.Context(), func() {
		id, err = srv.screen.Shutter()
	}); callErr != nil {
		http.Error(w, callErr.Error(), http.StatusServiceUnavailable)
		return
	}

	switch {
	case errors.Is(err, service.ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (srv *server) Thumbnail(w http.ResponseWriter, req *http.Request) {
	img, version := srv.screen.Thumbnail().Image()
	if img == nil {
		http.Error(w, "no picture yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(version)))
	if _, err := w.Write(img); err != nil {
		srv.log.Error("Thumbnail write error", "err", err)
	}
}

// The count passed to clientJoined and clientLeft is stale by the time the
// posted task runs, so the task looks at the hub again.
func (srv *server) clientJoined(c *client, count int) {
	if count == 1 {
		ctx := srv.baseCtx
		srv.loop.Post(func() {
			if srv.hub.Count() > 0 {
				srv.screen.Show(ctx)
			}
		})
	}
	for _, req := range srv.dialog.Pending() {
		srv.hub.sendTo(c, service.Event{Type: service.EventPermission, Request: &req})
	}
	if source := srv.screen.Thumbnail().Source(); source != "" {
		_, version := srv.screen.Thumbnail().Image()
		srv.hub.sendTo(c, service.Event{Type: service.EventThumbnail, Source: filepath.Base(source), Version: version})
	}
}

func (srv *server) clientLeft(count int) {
	if count == 0 {
		srv.loop.Post(func() {
			if srv.hub.Count() == 0 {
				srv.screen.Hide()
			}
		})
	}
}

func (srv *server) clientMessage(msg inbound) {
	switch msg.Type {
	case "permission":
		if !srv.dialog.Answer(msg.Code, msg.Granted) {
			srv.log.Debug("answer for unknown request", "code", msg.Code)
		}
	case "rotation":
		rot, err := camera.ParseRotation(msg.Degrees)
		if err != nil {
			srv.log.Warn("bad rotation", "err", err)
			return
		}
		srv.loop.Post(func() { srv.screen.SetRotation(rot) })
	default:
		srv.log.Debug("unknown message", "type", msg.Type)
	}
}
